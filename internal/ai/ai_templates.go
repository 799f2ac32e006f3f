package ai

import (
	"fmt"
	"strings"
)

const (
	beginningMarker = "\n...[Beginning content truncated]...\n"
	middleMarker    = "\n...[Middle content truncated]...\n"
)

const systemInstruction = `
You are an AI assistant helping an analyst classify corporate announcements filed with the Bombay Stock Exchange.
Answer strictly from the announcement content you are given. Reply with a single word: Yes or No.
`

var userPromptTemplate = `
You are an AI assistant helping analyze corporate announcements.

Here is the content of a corporate announcement document:

%s

Based on this content, please answer the following question:
%s

Give me only one word answer just Yes or NO. Answer with only "Yes" if there is clear evidence, "No" if there is clear evidence against. I only need Yes/No nothing more than that.
`

// Truncate keeps text within max runes by sampling the beginning, the middle and the end of the
// document in a 40/20/40 split, with a marker where content was dropped.
func Truncate(text string, max int) string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}

	first := max * 4 / 10
	middle := max * 2 / 10
	last := max * 4 / 10

	middleStart := (len(runes) - middle) / 2

	var sb strings.Builder
	sb.WriteString(string(runes[:first]))
	sb.WriteString(beginningMarker)
	sb.WriteString(string(runes[middleStart : middleStart+middle]))
	sb.WriteString(middleMarker)
	sb.WriteString(string(runes[len(runes)-last:]))
	return sb.String()
}

func buildUserPrompt(text string, question string, maxChars int) string {
	return fmt.Sprintf(userPromptTemplate, Truncate(text, maxChars), question)
}
