package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/caseguide/internal/wcag"
)

type contrastReport struct {
	wcag.Result
}

func (r contrastReport) String() string {
	mark := func(ok bool) string {
		if ok {
			return "pass"
		}
		return "fail"
	}
	return fmt.Sprintf("%s on %s: %.2f:1\n  normal text (AAA 7:1):   %s\n  large text (AAA 4.5:1):  %s\n  UI components (3:1):     %s",
		r.Foreground, r.Background, r.Ratio,
		mark(r.NormalText), mark(r.LargeText), mark(r.UIComponent))
}

// NewContrastCommand creates the contrast command.
func NewContrastCommand(rootOpts *RootOptions) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "contrast <foreground> <background>",
		Short: "Check the contrast ratio of a colour pair",
		Long: `Compute the WCAG contrast ratio of two hex colours and report which
thresholds it meets. With --strict the command fails unless normal text
meets AAA.

Example:
  caseguide contrast '#0b0c0c' '#ffffff'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			res, err := wcag.Check(args[0], args[1])
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeColour, "invalid colour", err)
			}
			if err := f.Success(contrastReport{res}); err != nil {
				return err
			}
			if strict && !res.NormalText {
				return NewExitError(ExitFailure, fmt.Sprintf("%s: contrast %.2f:1 is below AAA", ErrCodeColour, res.Ratio))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail unless normal text meets AAA")
	return cmd
}
