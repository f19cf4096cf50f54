package memory

import (
	"fmt"
	"sort"
	"strings"
)

// EstimateTokens approximates a token count: 1.33 tokens per word, with
// four bytes per token as the floor for code and non-English text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(text))) * 1.33)
	if chars := len(text) / 4; chars > words {
		return chars
	}
	return words
}

// Format renders a snapshot as a text block for a generation prompt, grouped
// by kind in name order. When maxTokens is positive the oldest entries are
// left out until the block fits. It returns the block and its estimated
// token count; an empty snapshot renders as "".
func Format(snapshot map[string][]ContextEntry, maxTokens int) (string, int) {
	kinds := make([]string, 0, len(snapshot))
	for k, v := range snapshot {
		if len(v) > 0 {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return "", 0
	}
	sort.Strings(kinds)

	type line struct {
		kind string
		text string
		at   int64
	}
	var lines []line
	for _, k := range kinds {
		for _, e := range snapshot[k] {
			body := e.Text
			if body == "" {
				body = string(e.Payload)
			}
			body = strings.TrimSpace(body)
			if body == "" {
				continue
			}
			lines = append(lines, line{kind: k, text: body, at: e.RecordedAt.UnixNano()})
		}
	}

	// Drop oldest first across all kinds.
	if maxTokens > 0 {
		total := 0
		for _, l := range lines {
			total += EstimateTokens(l.text)
		}
		if total > maxTokens {
			order := make([]int, len(lines))
			for i := range order {
				order[i] = i
			}
			sort.SliceStable(order, func(i, j int) bool { return lines[order[i]].at < lines[order[j]].at })
			skip := make(map[int]bool)
			for _, i := range order {
				if total <= maxTokens {
					break
				}
				total -= EstimateTokens(lines[i].text)
				skip[i] = true
			}
			kept := lines[:0]
			for i, l := range lines {
				if !skip[i] {
					kept = append(kept, l)
				}
			}
			lines = kept
		}
	}
	if len(lines) == 0 {
		return "", 0
	}

	var sb strings.Builder
	sb.WriteString("<shared_context>\n")
	current := ""
	for _, l := range lines {
		if l.kind != current {
			fmt.Fprintf(&sb, "From %s:\n", l.kind)
			current = l.kind
		}
		fmt.Fprintf(&sb, "  %s\n", strings.ReplaceAll(l.text, "\n", "\n  "))
	}
	sb.WriteString("</shared_context>")
	out := sb.String()
	return out, EstimateTokens(out)
}
