package transcript

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// blockTags are elements that terminate a line when flattening HTML to text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "section": true, "article": true,
}

// ReadHTML extracts the visible text of an HTML transcript export (such as a
// saved ChatGPT conversation page). Script, style, and head content are
// skipped; block elements end the current line.
func ReadHTML(r io.Reader) (string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var b strings.Builder
	var line strings.Builder

	endLine := func() {
		if line.Len() > 0 {
			b.WriteString(strings.TrimSpace(line.String()))
			line.Reset()
		}
		b.WriteByte('\n')
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "head", "noscript":
				return
			}
		case html.TextNode:
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if line.Len() > 0 {
					line.WriteByte(' ')
				}
				line.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			endLine()
		}
	}
	walk(root)
	if line.Len() > 0 {
		endLine()
	}

	// Collapse runs of blank lines left by nested block elements.
	out := b.String()
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return out, nil
}
