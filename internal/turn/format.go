package turn

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// renderTemplate substitutes {{name}} placeholders. Unknown names render as
// empty strings.
func renderTemplate(template string, vars map[string]string) string {
	return templateVarPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := templateVarPattern.FindStringSubmatch(m)[1]
		return vars[name]
	})
}

// formatMemory renders the last maxTurns interaction log entries as a
// PLAYER/GM dialogue transcript for the resolve prompt.
func formatMemory(stateView map[string]any, maxTurns int) string {
	raw, ok := stateView["interaction_log"]
	if !ok {
		return ""
	}
	entries := toEntryList(raw)
	if len(entries) > maxTurns {
		entries = entries[len(entries)-maxTurns:]
	}

	var lines []string
	for _, e := range entries {
		if asString(e["kind"]) == "turn" {
			pid := strings.TrimSpace(asString(e["player_id"]))
			pt := strings.TrimSpace(asString(e["player_text"]))
			gt := strings.TrimSpace(asString(e["gm_text"]))
			if pt != "" {
				who := "PLAYER"
				if pid != "" {
					who = fmt.Sprintf("PLAYER(%s)", pid)
				}
				lines = append(lines, who+": "+pt)
			}
			if gt != "" {
				lines = append(lines, "GM: "+gt)
			}
			for _, fu := range toAnyList(e["followups"]) {
				if s := strings.TrimSpace(asString(fu)); s != "" {
					lines = append(lines, "GM: "+s)
				}
			}
			continue
		}
		// Unknown entry kind; keep compact JSON.
		if b, err := json.Marshal(e); err == nil {
			lines = append(lines, string(b))
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// formatSnippets renders up to maxSnippets knowledge hits with a bracketed
// provenance header per snippet.
func formatSnippets(hits []Hit, maxSnippets int) string {
	if len(hits) > maxSnippets {
		hits = hits[:maxSnippets]
	}
	var out []string
	for _, h := range hits {
		txt := strings.TrimSpace(h.Text)
		if txt == "" {
			continue
		}
		var parts []string
		for _, p := range []string{
			asString(h.Meta["doc_id"]),
			asString(h.Meta["doc_kind"]),
			asString(h.Meta["ruleset"]),
			pageRef(h.Meta["page"]),
			asString(h.Meta["type"]),
		} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		hdr := "[knowledge]"
		if len(parts) > 0 {
			hdr = "[" + strings.Join(parts, " ") + "]"
		}
		out = append(out, hdr+"\n"+txt)
	}
	return strings.TrimSpace(strings.Join(out, "\n\n"))
}

// knowledgeSources lists distinct "doc_id [pN] [type]" provenance strings for
// the debug payload.
func knowledgeSources(hits []Hit, maxSources int) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, h := range hits {
		docID := strings.TrimSpace(asString(h.Meta["doc_id"]))
		if docID == "" {
			docID = "unknown_doc"
		}
		src := docID
		if page := pageRef(h.Meta["page"]); page != "" {
			src += " " + page
		}
		if ctype := strings.TrimSpace(asString(h.Meta["type"])); ctype != "" {
			src += " " + ctype
		}
		if seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
		if len(out) >= maxSources {
			break
		}
	}
	return out
}

func pageRef(v any) string {
	switch p := v.(type) {
	case nil:
		return ""
	case string:
		if strings.TrimSpace(p) == "" {
			return ""
		}
		return "p" + strings.TrimSpace(p)
	case float64:
		return fmt.Sprintf("p%d", int(p))
	case int:
		return fmt.Sprintf("p%d", p)
	default:
		return ""
	}
}

// langBase reduces a BCP-47 tag to its base language ("fr-FR" -> "fr").
func langBase(tag string) string {
	s := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(tag), "_", "-"))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "-"); i >= 0 {
		return s[:i]
	}
	return s
}

var englishCommonWords = map[string]bool{
	"the": true, "and": true, "you": true, "your": true, "are": true,
	"is": true, "to": true, "of": true, "in": true, "with": true,
	"for": true, "what": true, "next": true, "start": true, "roll": true,
	"check": true,
}

var englishWordPattern = regexp.MustCompile(`[a-zA-Z']+`)

// looksEnglishish guesses whether text is English. Used only as a trigger for
// the translation post-pass, so false negatives are acceptable.
func looksEnglishish(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	// Strong non-Latin signal means not English.
	for _, ch := range t {
		if (ch >= 0x0400 && ch <= 0x04FF) || // Cyrillic
			(ch >= 0x0600 && ch <= 0x06FF) || // Arabic
			(ch >= 0x0900 && ch <= 0x097F) || // Devanagari
			(ch >= 0x4E00 && ch <= 0x9FFF) || // CJK
			(ch >= 0x3040 && ch <= 0x30FF) || // Kana
			(ch >= 0xAC00 && ch <= 0xD7AF) { // Hangul
			return false
		}
	}
	words := englishWordPattern.FindAllString(strings.ToLower(t), -1)
	if len(words) == 0 {
		return false
	}
	hits := 0
	for _, w := range words {
		if englishCommonWords[w] {
			hits++
		}
	}
	return hits >= 2 || (hits >= 1 && len(words) >= 6)
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func toEntryList(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		var out []map[string]any
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func toAnyList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}
