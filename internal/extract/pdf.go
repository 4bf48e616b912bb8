package extract

import (
	"context"
	"strings"
	"time"

	"tracelight/internal/model"
)

// PDFDocument is the external parser's result: one text string per page.
type PDFDocument struct {
	Title       string
	Author      string
	PublishedAt *time.Time
	Pages       []string
}

// PDFParser is the external PDF collaborator.
type PDFParser interface {
	Parse(ctx context.Context, rawURL string) (*PDFDocument, error)
}

// PDFExtractor joins parsed pages into normalized text, recording where each
// page begins so chunks can carry page numbers.
type PDFExtractor struct {
	parser PDFParser
}

func NewPDFExtractor(parser PDFParser) *PDFExtractor {
	return &PDFExtractor{parser: parser}
}

func (p *PDFExtractor) Extract(ctx context.Context, rawURL string) (*RawContent, error) {
	if p.parser == nil {
		return nil, model.E(model.KindExtraction, "no pdf parser configured")
	}
	doc, err := p.parser.Parse(ctx, rawURL)
	if err != nil {
		if model.IsTransient(err) {
			return nil, err
		}
		return nil, model.Wrap(model.KindExtraction, "parse pdf", err)
	}
	if len(doc.Pages) == 0 {
		return nil, model.E(model.KindExtraction, "pdf has no extractable text")
	}

	var sb strings.Builder
	offsets := make([]int, 0, len(doc.Pages))
	for i, page := range doc.Pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		offsets = append(offsets, sb.Len())
		sb.WriteString(strings.TrimSpace(page))
	}

	return &RawContent{
		SourceType:  model.SourcePDF,
		Text:        sb.String(),
		Title:       doc.Title,
		Author:      doc.Author,
		PublishedAt: doc.PublishedAt,
		PageOffsets: offsets,
		Metadata:    map[string]any{"pages": len(doc.Pages)},
	}, nil
}
