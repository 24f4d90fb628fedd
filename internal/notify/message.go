package notify

import (
	"strings"
	"time"
)

const maxMessageLen = 3800

// Section is one titled block of lines inside a message.
type Section struct {
	Title string
	Lines []string
}

// Message is the shared push format: an icon-tagged title, fenced detail
// sections, and a timestamp footer.
type Message struct {
	Icon      string
	Title     string
	Sections  []Section
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown produces the Markdown body, trimmed to the transport's
// length ceiling.
func (m Message) RenderMarkdown() string {
	var b strings.Builder
	header := strings.TrimSpace(m.Icon + " " + m.Title)
	if header != "" {
		b.WriteString(header + "\n\n")
	}
	if block := renderSections(m.Sections); block != "" {
		b.WriteString(block)
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer))
		b.WriteString("\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString(m.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxMessageLen {
		body = body[:maxMessageLen] + "..."
	}
	return body
}

func renderSections(secs []Section) string {
	hasContent := false
	for _, sec := range secs {
		if len(cleanLines(sec.Lines)) > 0 {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return ""
	}
	var b strings.Builder
	b.WriteString("```\n")
	for idx, sec := range secs {
		lines := cleanLines(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(sanitize(title))
			b.WriteString("\n")
		}
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(sanitize(line))
			b.WriteString("\n")
		}
		if idx != len(secs)-1 {
			b.WriteString("\n")
		}
	}
	b.WriteString("```\n\n")
	return b.String()
}

func cleanLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// sanitize keeps user-sourced text from breaking out of the code fence.
func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
