// Package wcag checks colour contrast against the WCAG 2.1 AAA ratios and
// suggests accessible colours from the GOV.UK palette.
package wcag

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Required AAA ratios.
const (
	NormalTextRatio  = 7.0
	LargeTextRatio   = 4.5
	UIComponentRatio = 3.0
)

// RGB is an 8-bit colour.
type RGB struct {
	R, G, B uint8
}

// ParseHex reads a six-digit hex colour with an optional leading '#'.
func ParseHex(s string) (RGB, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return RGB{}, fmt.Errorf("invalid hex color %q: must be 6 hex digits", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("invalid hex color %q: not valid hexadecimal", s)
	}
	return RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// Hex formats c as "#rrggbb".
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func channel(c uint8) float64 {
	s := float64(c) / 255
	if s <= 0.03928 {
		return s / 12.92
	}
	return math.Pow((s+0.055)/1.055, 2.4)
}

// Luminance is the relative luminance of c, from 0 to 1.
func (c RGB) Luminance() float64 {
	return 0.2126*channel(c.R) + 0.7152*channel(c.G) + 0.0722*channel(c.B)
}

// Ratio is the contrast ratio between two colours, from 1 to 21.
func Ratio(a, b RGB) float64 {
	l1, l2 := a.Luminance(), b.Luminance()
	if l1 < l2 {
		l1, l2 = l2, l1
	}
	return (l1 + 0.05) / (l2 + 0.05)
}

// ContrastRatio parses two hex colours and returns their ratio.
func ContrastRatio(a, b string) (float64, error) {
	ca, err := ParseHex(a)
	if err != nil {
		return 0, err
	}
	cb, err := ParseHex(b)
	if err != nil {
		return 0, err
	}
	return Ratio(ca, cb), nil
}

// Result is a full contrast check of one colour pair.
type Result struct {
	Foreground  string  `json:"foreground"`
	Background  string  `json:"background"`
	Ratio       float64 `json:"contrast_ratio"`
	NormalText  bool    `json:"normal_text_aaa"`
	LargeText   bool    `json:"large_text_aaa"`
	UIComponent bool    `json:"ui_component"`
}

// Check evaluates a foreground/background pair against every threshold.
// The reported ratio is rounded to two decimals; the pass flags use the
// exact value.
func Check(fg, bg string) (Result, error) {
	r, err := ContrastRatio(fg, bg)
	if err != nil {
		return Result{}, err
	}
	f, _ := ParseHex(fg)
	b, _ := ParseHex(bg)
	return Result{
		Foreground:  f.Hex(),
		Background:  b.Hex(),
		Ratio:       round2(r),
		NormalText:  r >= NormalTextRatio,
		LargeText:   r >= LargeTextRatio,
		UIComponent: r >= UIComponentRatio,
	}, nil
}

// TextPasses reports whether text meets AAA.
func TextPasses(fg, bg string, large bool) (bool, error) {
	r, err := ContrastRatio(fg, bg)
	if err != nil {
		return false, err
	}
	if large {
		return r >= LargeTextRatio, nil
	}
	return r >= NormalTextRatio, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
