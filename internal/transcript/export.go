package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
)

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

const exportFilePrefix = "ASSISTplus_chat_export_"

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(highlighting.WithStyle("github")),
	),
)

var exportPage = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{range .Messages}}<section class="message {{.Role}}">
{{.Body}}</section>
{{end}}</body>
</html>
`))

type exportMessage struct {
	Role string
	Body template.HTML
}

// ParseFormat returns the Format named by s. An empty string selects FormatJSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatHTML:
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ExportFileName names an export created at now, e.g. ASSISTplus_chat_export_2025-01-31.json.
func ExportFileName(now time.Time, format Format) string {
	return exportFilePrefix + now.Format(time.DateOnly) + "." + string(format)
}

// Export encodes messages. JSON exports keep the persisted structure; HTML exports render each
// message's markdown.
func Export(messages []models.Message, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		if messages == nil {
			messages = []models.Message{}
		}
		return json.MarshalIndent(messages, "", "  ")
	case FormatHTML:
		return exportHTML(messages)
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

// Export returns the file name and content of an export of the current transcript.
func (a *Accumulator) Export(now time.Time, format Format) (string, []byte, error) {
	data, err := Export(a.Messages(), format)
	if err != nil {
		return "", nil, err
	}
	return ExportFileName(now, format), data, nil
}

func exportHTML(messages []models.Message) ([]byte, error) {
	page := struct {
		Title    string
		Messages []exportMessage
	}{
		Title:    "Chat export",
		Messages: make([]exportMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(msg.Text), &buf); err != nil {
			return nil, fmt.Errorf("failed to render message: %w", err)
		}
		page.Messages = append(page.Messages, exportMessage{
			Role: string(msg.Role),
			// goldmark escapes raw HTML in the source unless the unsafe renderer option is set.
			Body: template.HTML(buf.String()),
		})
	}

	var out bytes.Buffer
	if err := exportPage.Execute(&out, page); err != nil {
		return nil, fmt.Errorf("failed to execute export template: %w", err)
	}
	return out.Bytes(), nil
}
