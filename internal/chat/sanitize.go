package chat

import "strings"

// SanitizeAssistant strips reasoning blocks and sentinel tokens from a
// finished reply before it is committed to history and fed back into
// subsequent turns.
func SanitizeAssistant(text string) string {
	s := stripThinkBlocks(text)
	for _, sentinel := range []string{
		"<|im_end|>",
		"<|im_start|>",
		"<|endoftext|>",
		"<|eot_id|>",
		"</s>",
	} {
		s = strings.ReplaceAll(s, sentinel, "")
	}
	return strings.TrimSpace(s)
}

func stripThinkBlocks(text string) string {
	const (
		openTag  = "<think>"
		closeTag = "</think>"
	)
	lower := strings.ToLower(text)
	var b strings.Builder
	cursor := 0
	for cursor < len(text) {
		start := strings.Index(lower[cursor:], openTag)
		if start < 0 {
			b.WriteString(text[cursor:])
			break
		}
		start += cursor
		b.WriteString(text[cursor:start])
		end := strings.Index(lower[start+len(openTag):], closeTag)
		if end < 0 {
			break // unclosed block, drop the tail
		}
		cursor = start + len(openTag) + end + len(closeTag)
	}
	return b.String()
}
