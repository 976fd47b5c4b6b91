package stage

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/docsmith/docsmith/pkg/types"
)

// extractStage is stage E: deterministic text extraction. It derives five
// engine variants from the raw bytes; E5 is the consolidated artifact later
// stages build on.
type extractStage struct{}

// NewExtract creates the extraction stage
func NewExtract() Stage {
	return &extractStage{}
}

func (s *extractStage) ID() types.StageID {
	return types.StageExtract
}

func (s *extractStage) Run(ctx context.Context, view DocView, prior Outputs, resolver *Resolver) (*Output, error) {
	if len(view.Content) == 0 {
		return nil, &Error{
			Stage: s.ID(),
			Kind:  KindValidation,
			Err:   fmt.Errorf("document %s has no content", view.Doc.ID),
		}
	}

	raw := string(view.Content)
	if !isMostlyText(raw) {
		return nil, &Error{
			Stage: s.ID(),
			Kind:  KindValidation,
			Err:   fmt.Errorf("document %s content is not extractable text (%s)", view.Doc.ID, view.Doc.MimeType),
		}
	}

	e1 := raw
	e2 := stripControl(e1)
	e3 := collapseSpaces(e2)
	e4 := joinWrappedLines(e3)
	e5 := strings.TrimSpace(e4)

	return &Output{
		Primary: e5,
		Extras: map[string]string{
			"E1": e1,
			"E2": e2,
			"E3": e3,
			"E4": e4,
		},
	}, nil
}

// isMostlyText rejects binary payloads that slipped past ingestion
func isMostlyText(s string) bool {
	if len(s) == 0 {
		return false
	}
	printable := 0
	total := 0
	for _, r := range s {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return printable*10 >= total*9
}

// stripControl drops control characters except newlines and tabs
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// collapseSpaces squeezes runs of spaces and tabs within each line
func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n")
}

// joinWrappedLines merges hard-wrapped lines into paragraphs, keeping blank
// lines as paragraph breaks and rejoining hyphenated wraps.
func joinWrappedLines(s string) string {
	var b strings.Builder
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			b.WriteString("\n\n")
			continue
		}
		if strings.HasSuffix(trimmed, "-") && i < len(lines)-1 {
			// hyphenated wrap: glue directly to the next line
			b.WriteString(strings.TrimSuffix(trimmed, "-"))
			continue
		}
		b.WriteString(trimmed)
		if i < len(lines)-1 {
			b.WriteString(" ")
		}
	}
	return b.String()
}
