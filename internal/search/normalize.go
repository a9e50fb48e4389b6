package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldTransformer decomposes to NFD, drops combining marks, and recomposes.
// This matches the diacritic folding the backing full-text index applies, so
// live push matching stays consistent with externally computed search pages.
var foldTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Normalize lower-cases and diacritic-strips a keyword or searchable text.
// Whitespace is trimmed and collapsed to single spaces.
func Normalize(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		// Transform only fails on malformed UTF-8; fall back to the raw text
		// so a bad rune cannot disable matching for the whole string.
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// SearchableText concatenates every field of the event a keyword may match
// against (content, conversation name, attachment names), normalized.
// Matching any one field is sufficient: a group rename or a file upload also
// triggers notifications for subscribers searching by name.
func (e *Event) SearchableText() string {
	parts := make([]string, 0, 2+len(e.AttachmentNames))
	if e.Content != "" {
		parts = append(parts, e.Content)
	}
	if e.ConversationName != "" {
		parts = append(parts, e.ConversationName)
	}
	parts = append(parts, e.AttachmentNames...)
	return Normalize(strings.Join(parts, " "))
}
