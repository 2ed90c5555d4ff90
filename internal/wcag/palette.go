package wcag

import (
	"fmt"
	"sort"
)

// Swatch is a named colour.
type Swatch struct {
	Name string `json:"name"`
	Hex  string `json:"hex"`
}

// GOVUK is the GOV.UK Design System palette.
var GOVUK = []Swatch{
	{"primary_blue", "#003078"},
	{"black", "#0b0c0c"},
	{"yellow", "#ffdd00"},
	{"white", "#ffffff"},
	{"dark_grey", "#6f777b"},
	{"mid_grey", "#b1b4b6"},
	{"light_grey", "#f3f2f1"},
}

// GOVUKColor returns the hex code of a palette colour.
func GOVUKColor(name string) (string, error) {
	for _, s := range GOVUK {
		if s.Name == name {
			return s.Hex, nil
		}
	}
	return "", fmt.Errorf("color %q not found in GOV.UK palette", name)
}

// Suggestion is a palette colour and its contrast with a background.
type Suggestion struct {
	Swatch
	Ratio    float64 `json:"contrast"`
	MeetsAAA bool    `json:"meets_target"`
}

// Suggestions lists palette colours meeting a target and the single best
// choice.
type Suggestions struct {
	Background string       `json:"background"`
	Target     float64      `json:"target_ratio"`
	Matches    []Suggestion `json:"matches"`
	Best       Suggestion   `json:"best"`
	Fallback   bool         `json:"fallback"`
}

// SuggestAccessibleColor returns the palette colours that reach target on
// bg, best first. With no match, Best is black or white, whichever
// contrasts more. A zero target means NormalTextRatio.
func SuggestAccessibleColor(bg string, target float64) (Suggestions, error) {
	if target == 0 {
		target = NormalTextRatio
	}
	back, err := ParseHex(bg)
	if err != nil {
		return Suggestions{}, err
	}
	out := Suggestions{Background: back.Hex(), Target: target, Matches: []Suggestion{}}

	for _, s := range GOVUK {
		c, _ := ParseHex(s.Hex)
		r := Ratio(c, back)
		if r >= target {
			out.Matches = append(out.Matches, Suggestion{Swatch: s, Ratio: round2(r), MeetsAAA: true})
		}
	}
	sort.SliceStable(out.Matches, func(i, j int) bool { return out.Matches[i].Ratio > out.Matches[j].Ratio })

	if len(out.Matches) > 0 {
		out.Best = out.Matches[0]
		return out, nil
	}

	black := RGB{0, 0, 0}
	white := RGB{255, 255, 255}
	rb, rw := Ratio(black, back), Ratio(white, back)
	out.Fallback = true
	if rb >= rw {
		out.Best = Suggestion{Swatch: Swatch{"black", black.Hex()}, Ratio: round2(rb), MeetsAAA: rb >= target}
	} else {
		out.Best = Suggestion{Swatch: Swatch{"white", white.Hex()}, Ratio: round2(rw), MeetsAAA: rw >= target}
	}
	return out, nil
}

// PairResult is the contrast of two palette entries.
type PairResult struct {
	First  string `json:"first"`
	Second string `json:"second"`
	Result
}

// PaletteReport checks every pair of a palette.
type PaletteReport struct {
	Pairs      []PairResult `json:"pairs"`
	NormalText int          `json:"normal_text_passing"`
	LargeText  int          `json:"large_text_passing"`
	UI         int          `json:"ui_passing"`
	Total      int          `json:"total_pairs"`
}

// ValidatePalette checks each unordered pair of swatches. Invalid colours
// fail the whole report.
func ValidatePalette(palette []Swatch) (PaletteReport, error) {
	rep := PaletteReport{Pairs: []PairResult{}}
	for i := 0; i < len(palette); i++ {
		for j := i + 1; j < len(palette); j++ {
			r, err := Check(palette[i].Hex, palette[j].Hex)
			if err != nil {
				return PaletteReport{}, fmt.Errorf("%s/%s: %w", palette[i].Name, palette[j].Name, err)
			}
			rep.Pairs = append(rep.Pairs, PairResult{First: palette[i].Name, Second: palette[j].Name, Result: r})
			if r.NormalText {
				rep.NormalText++
			}
			if r.LargeText {
				rep.LargeText++
			}
			if r.UIComponent {
				rep.UI++
			}
		}
	}
	rep.Total = len(rep.Pairs)
	return rep, nil
}
