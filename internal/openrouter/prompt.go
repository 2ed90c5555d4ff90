package openrouter

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Reading levels.
const (
	Grade6  = "grade6"
	Grade8  = "grade8"
	Grade10 = "grade10"
)

// ReadingLevels lists the accepted levels.
var ReadingLevels = []string{Grade6, Grade8, Grade10}

var readingAges = map[string]int{Grade6: 9, Grade8: 11, Grade10: 13}

// ReadingAge maps a reading level to the target reader's age. Unknown
// levels use grade8.
func ReadingAge(level string) int {
	if age, ok := readingAges[level]; ok {
		return age
	}
	return readingAges[Grade8]
}

// Metadata describes the source document in the prompt.
type Metadata struct {
	Title        string `json:"title,omitempty"`
	URL          string `json:"url,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
}

// TranslationTemplate is the plain English prompt. Changing it changes
// PromptHash and so invalidates every cached translation.
const TranslationTemplate = `You rewrite UK immigration guidance in plain English, one section at a time.

SOURCE DOCUMENT
- Title: {doc_title}
- URL: {doc_url}
- Type: {doc_type}

Rewrite the whole document for a reader aged {reading_age}. Follow the GOV.UK content standards:
- sentences of 25 words or fewer, in the active voice
- one idea per sentence and paragraphs of 3 or 4 sentences
- bullet lists for several items
- everyday words, with any technical term explained in brackets
- address the reader as "you"
- put the most important information first

Use this layout:

# [Plain English title]

**Original document**: {doc_title}
**Source**: {doc_url}
**Document type**: {doc_type}

## Summary
[Two or three sentences on what the document covers and who it is for]

## Section N: [Plain English section title]

**What the original says:**
[Two to four sentences quoted word for word from the source]

**In plain English:**
[The same content rewritten in plain language]

**What this means for you:**
[The practical effect on the reader]

## Key points to remember
- [Up to three points]

## Next steps
1. [What to do first]
2. [What to do next]
3. [Where to get help]

Rules:
- add nothing that is not in the source
- keep every legal requirement and condition exactly
- keep the original section order
- say so when the source is unclear

Begin with the markdown heading. Do not introduce your answer.

DOCUMENT TO TRANSLATE:
{document_text}`

// SummaryTemplate is the summary prompt.
const SummaryTemplate = `Summarise this UK government guidance document in plain English.

Length: about {max_words} words, and never fewer than 150 or more than 250.
Reader: the general public, reading age 9.
Style: active voice, sentences of 25 words or fewer, everyday words.

Document:
{document_text}

Summary:`

// BuildPrompt fills TranslationTemplate. Missing metadata falls back to
// "Unknown Document", an empty URL and "guidance".
func BuildPrompt(template, text, level string, meta Metadata) string {
	if meta.Title == "" {
		meta.Title = "Unknown Document"
	}
	if meta.DocumentType == "" {
		meta.DocumentType = "guidance"
	}
	return strings.NewReplacer(
		"{doc_title}", meta.Title,
		"{doc_url}", meta.URL,
		"{doc_type}", meta.DocumentType,
		"{reading_age}", strconv.Itoa(ReadingAge(level)),
		"{document_text}", text,
	).Replace(template)
}

// BuildSummaryPrompt fills SummaryTemplate.
func BuildSummaryPrompt(text string, maxWords int) string {
	return strings.NewReplacer(
		"{max_words}", strconv.Itoa(maxWords),
		"{document_text}", text,
	).Replace(SummaryTemplate)
}

// Hash returns the hex SHA-256 of the NFC form of text, so equivalent
// Unicode spellings share cache entries.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(text)))
	return hex.EncodeToString(sum[:])
}
