// Package report declares the external-interface seam to document
// assembly (spec.md section 6, "To the report/document layer").
// Markdown-to-docx conversion is out of scope; this package carries only
// the Assembler interface internal/workflow calls to persist its final
// concatenated result, plus a plain-concatenation stub.
package report

import (
	"bytes"
	"context"
)

// Section is one subtask's finished writing, in the order it should
// appear in the final document.
type Section struct {
	Key     string
	Title   string
	Content string
}

// Assembler turns an ordered set of sections into a final document.
type Assembler interface {
	Assemble(ctx context.Context, sections []Section) ([]byte, error)
}

// MarkdownStub concatenates sections as plain Markdown, separated by a
// level-1 heading per section. Production wiring (out of scope) replaces
// this with a real markdown-to-docx converter satisfying Assembler.
type MarkdownStub struct{}

func (MarkdownStub) Assemble(ctx context.Context, sections []Section) ([]byte, error) {
	var buf bytes.Buffer
	for _, s := range sections {
		if s.Title != "" {
			buf.WriteString("# " + s.Title + "\n\n")
		}
		buf.WriteString(s.Content)
		buf.WriteString("\n\n")
	}
	return buf.Bytes(), nil
}
