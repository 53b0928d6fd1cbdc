// Package markdown renders assistant replies to HTML.
package markdown

import (
	"bytes"
	"html"
	"log/slog"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Renderer converts markdown text into HTML.
type Renderer struct {
	md goldmark.Markdown
}

// New returns a renderer with GitHub-flavoured markdown enabled. Raw HTML in
// the source is dropped and replaced by an "<!-- raw HTML omitted -->"
// comment, since the renderer runs without the unsafe option.
func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
	}
}

// Render returns the HTML for src. On a conversion failure the escaped source
// is returned so a reply is never lost.
func (r *Renderer) Render(src string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		slog.Warn("markdown conversion failed", "error", err)
		return "<p>" + html.EscapeString(src) + "</p>"
	}
	return buf.String()
}
