package tracker

import (
	"encoding/json"
	"strings"
)

// docNode is one node of the tracker's rich-text document format. The
// format is a recursive tree; only text extraction and single-paragraph
// construction are needed here.
type docNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	Content []docNode `json:"content,omitempty"`
	Version int       `json:"version,omitempty"`
}

// docToPlainText flattens a rich-text document into plain text. Block-level
// nodes become line breaks; everything unknown is walked for nested text.
func docToPlainText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	// Descriptions may also arrive as a bare string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var doc docNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}

	var b strings.Builder
	flattenNode(&b, doc)
	return strings.TrimSpace(b.String())
}

func flattenNode(b *strings.Builder, n docNode) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
	case "hardBreak":
		b.WriteString("\n")
	case "paragraph", "heading", "blockquote", "listItem", "codeBlock":
		for _, child := range n.Content {
			flattenNode(b, child)
		}
		b.WriteString("\n")
	default:
		for _, child := range n.Content {
			flattenNode(b, child)
		}
	}
}

// plainTextToDoc wraps plain text into a rich-text document, one paragraph
// per line so posted comments keep their line structure.
func plainTextToDoc(text string) docNode {
	lines := strings.Split(text, "\n")
	paragraphs := make([]docNode, 0, len(lines))
	for _, line := range lines {
		p := docNode{Type: "paragraph"}
		if line != "" {
			p.Content = []docNode{{Type: "text", Text: line}}
		}
		paragraphs = append(paragraphs, p)
	}
	return docNode{Type: "doc", Version: 1, Content: paragraphs}
}
