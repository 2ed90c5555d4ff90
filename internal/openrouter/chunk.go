package openrouter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// OutputLimits maps models to their maximum output tokens.
var OutputLimits = map[string]int{
	"anthropic/claude-3-haiku":          4096,
	"anthropic/claude-3-sonnet":         4096,
	"anthropic/claude-3.5-sonnet":       8192,
	"anthropic/claude-3-opus":           4096,
	"openai/gpt-4-turbo":                4096,
	"openai/gpt-4":                      8192,
	"openai/gpt-3.5-turbo":              4096,
	"qwen/qwen-2.5-72b-instruct":        32768,
	"qwen/qwen-2-72b-instruct":          32768,
	"qwen/qwq-32b-preview":              32768,
	"meta-llama/llama-3.1-70b-instruct": 4096,
	"meta-llama/llama-3.1-8b-instruct":  4096,
}

// Chunking parameters. Plain English output runs about 1.2x the input
// and a token is about 4 characters.
const (
	DefaultOutputLimit = 4096
	ExpansionFactor    = 1.2
	SafetyMargin       = 0.8
	CharsPerToken      = 4
)

var sectionHeading = regexp.MustCompile(`(?m)^#{2,3}\s+.+$`)

// OutputLimit returns the model's output token limit.
func OutputLimit(model string) int {
	if n, ok := OutputLimits[model]; ok {
		return n
	}
	return DefaultOutputLimit
}

// EstimateOutputTokens estimates the tokens a translation of text needs.
func EstimateOutputTokens(text string) int {
	return int(float64(utf8.RuneCountInString(text)) / CharsPerToken * ExpansionFactor)
}

// NeedsChunking reports whether text is too long to translate in one call.
func NeedsChunking(text, model string) bool {
	return float64(EstimateOutputTokens(text)) > float64(OutputLimit(model))*SafetyMargin
}

// MaxInputChars is the largest chunk, in characters, model can translate.
func MaxInputChars(model string) int {
	return int(float64(OutputLimit(model))/ExpansionFactor/SafetyMargin) * CharsPerToken
}

// Chunk is a slice of the source document. Start and End are byte offsets.
type Chunk struct {
	Start int
	End   int
	Text  string
}

// SplitChunks splits text on "##" and "###" headings, merging sections
// until a chunk would exceed MaxInputChars. Text without headings, and any
// single section that is too long on its own, is split by characters.
// Text before the first heading stays with the first section.
func SplitChunks(text, model string) []Chunk {
	limit := MaxInputChars(model)
	locs := sectionHeading.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return splitChars(text, 0, limit)
	}

	bounds := make([]int, 0, len(locs)+1)
	bounds = append(bounds, 0)
	for _, loc := range locs[1:] {
		bounds = append(bounds, loc[0])
	}
	bounds = append(bounds, len(text))

	var chunks []Chunk
	start, end := -1, -1
	flush := func() {
		if start >= 0 {
			chunks = append(chunks, Chunk{Start: start, End: end, Text: text[start:end]})
		}
		start, end = -1, -1
	}
	for i := 0; i+1 < len(bounds); i++ {
		s, e := bounds[i], bounds[i+1]
		size := utf8.RuneCountInString(text[s:e])
		switch {
		case size > limit:
			flush()
			chunks = append(chunks, splitChars(text[s:e], s, limit)...)
		case start >= 0 && utf8.RuneCountInString(text[start:end])+size > limit:
			flush()
			start, end = s, e
		case start < 0:
			start, end = s, e
		default:
			end = e
		}
	}
	flush()
	return chunks
}

// splitChars cuts text into pieces of at most limit runes. offset is the
// byte position of text within the document.
func splitChars(text string, offset, limit int) []Chunk {
	var chunks []Chunk
	start, n := 0, 0
	for i := range text {
		if n == limit {
			chunks = append(chunks, Chunk{Start: offset + start, End: offset + i, Text: text[start:i]})
			start, n = i, 0
		}
		n++
	}
	if start < len(text) {
		chunks = append(chunks, Chunk{Start: offset + start, End: offset + len(text), Text: text[start:]})
	}
	return chunks
}

// CombineChunks joins translated chunks. Every chunk after the first
// repeats the document header, so its lines before the first "##" are
// dropped.
func CombineChunks(chunks []string) string {
	if len(chunks) == 1 {
		return chunks[0]
	}
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c)
			continue
		}
		lines := strings.Split(c, "\n")
		from := 0
		for j, line := range lines {
			if strings.HasPrefix(line, "##") {
				from = j
				break
			}
		}
		b.WriteString("\n\n")
		b.WriteString(strings.Join(lines[from:], "\n"))
	}
	return b.String()
}
