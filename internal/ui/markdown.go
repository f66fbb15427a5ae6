package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown renders md to stdout, falling back to the raw text.
func RenderMarkdown(md string) {
	if err := RenderMarkdownTo(os.Stdout, md, 100); err != nil {
		fmt.Fprintln(os.Stdout, md)
	}
}

// RenderMarkdownTo renders md to w with word wrap at width.
func RenderMarkdownTo(w io.Writer, md string, width int) error {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return err
	}

	out, err := renderer.Render(md)
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(w, out)
	return err
}
