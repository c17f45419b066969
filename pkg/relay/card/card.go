package card

import "strings"

// Card is a small structured study note surfaced to the client either via an
// explicit tool invocation or by extraction from the spoken-text stream.
type Card struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// Category is the fixed enum the note-printing tool accepts.
type Category string

const (
	CategoryFormula    Category = "formula"
	CategoryDefinition Category = "definition"
	CategoryFact       Category = "fact"
	CategorySummary    Category = "summary"
)

// sourceAnnotation marks cards produced during a live practice turn, so they
// are distinguishable from cards prepared at ingestion time.
const sourceAnnotation = "\n\n(noted during live practice)"

// ParseCategory normalizes a tool-call category argument. Unknown values fall
// back to fact rather than failing the call.
func ParseCategory(raw string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(raw))) {
	case CategoryFormula:
		return CategoryFormula
	case CategoryDefinition:
		return CategoryDefinition
	case CategorySummary:
		return CategorySummary
	default:
		return CategoryFact
	}
}

func (c Category) title() string {
	switch c {
	case CategoryFormula:
		return "Formula"
	case CategoryDefinition:
		return "Definition"
	case CategorySummary:
		return "Summary"
	default:
		return "Fact"
	}
}

// FromNote builds a card from the note-printing tool's arguments.
func FromNote(content string, category Category) Card {
	return Card{
		Title:   category.title(),
		Content: strings.TrimSpace(content) + sourceAnnotation,
		Tags:    []string{string(category)},
	}
}
