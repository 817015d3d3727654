package engine

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

var (
	internalNoteRe  = regexp.MustCompile(`(?s)\[NOTA_INTERNA\](.*?)\[/NOTA_INTERNA\]`)
	qualificationRe = regexp.MustCompile(`(?s)\[QUALIFICACAO\](.*?)\[/QUALIFICACAO\]`)
)

// SplitInternalNotes strips [NOTA_INTERNA] blocks out of the model reply and
// returns the customer-facing text plus the notes, in order of appearance.
func SplitInternalNotes(raw string) (string, []string) {
	var notes []string
	public := internalNoteRe.ReplaceAllStringFunc(raw, func(match string) string {
		inner := internalNoteRe.FindStringSubmatch(match)[1]
		if note := strings.TrimSpace(inner); note != "" {
			notes = append(notes, note)
		}
		return ""
	})
	return collapseBlankLines(public), notes
}

// ExtractQualification parses and strips the [QUALIFICACAO] JSON block. A
// malformed block is stripped and ignored so a model formatting slip never
// breaks the reply.
func ExtractQualification(raw string) (string, *models.Qualification) {
	var qualification *models.Qualification
	public := qualificationRe.ReplaceAllStringFunc(raw, func(match string) string {
		inner := qualificationRe.FindStringSubmatch(match)[1]
		var q models.Qualification
		if err := json.Unmarshal([]byte(strings.TrimSpace(inner)), &q); err != nil {
			slog.Warn("Engine.ExtractQualification: malformed qualification block ignored", "error", err)
			return ""
		}
		qualification = &q
		return ""
	})
	return collapseBlankLines(public), qualification
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank = true
			continue
		}
		if blank && len(out) > 0 {
			out = append(out, "")
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
