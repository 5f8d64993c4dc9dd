package telegram

import (
	"regexp"
	"strings"
)

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

var boldPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)

// toTelegramMarkdown rewrites **bold** into the legacy Markdown form.
func toTelegramMarkdown(text string) string {
	return boldPattern.ReplaceAllString(text, "*$1*")
}

var markdownEscaper = strings.NewReplacer(`_`, `\_`, `*`, `\*`, "`", "\\`", `[`, `\[`)

// escapeMarkdown makes portal text safe to embed in a legacy Markdown message.
func escapeMarkdown(text string) string {
	return markdownEscaper.Replace(text)
}
