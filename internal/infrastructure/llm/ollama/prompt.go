package ollama

import (
	"fmt"
	"strings"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

func buildAmbiguityPrompt(rec domain.Opportunity, sector domain.Sector) string {
	const maxSnippet = 2000
	description := rec.Description
	if len(description) > maxSnippet {
		description = description[:maxSnippet]
	}

	var b strings.Builder
	b.WriteString(`You are a procurement analyst deciding whether a government contracting opportunity belongs to a sector.
Return a strict JSON object with keys:
relevant (boolean), confidence (number from 0 to 1), reason (string).
No markdown, no extra keys.

Sector: `)
	b.WriteString(sector.Name)
	b.WriteString("\nSector description: ")
	b.WriteString(sector.Description)
	if len(sector.Keywords) > 0 {
		b.WriteString("\nTypical signals: ")
		b.WriteString(strings.Join(sector.Keywords, ", "))
	}

	fmt.Fprintf(&b, `

Opportunity:
Title: %s
Authority: %s
Modality: %s
Value: %.2f %s
Description:
%s
`, rec.Title, rec.Authority, rec.Modality, rec.Value, rec.Currency, description)

	return b.String()
}
