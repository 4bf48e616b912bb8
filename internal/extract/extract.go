// Package extract turns source URLs into normalized text plus source
// metadata. The web path is implemented here; PDF and YouTube parsing are
// external collaborators reached through the Extractor interface.
package extract

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"tracelight/internal/model"
)

// TranscriptLine is one timed line of a video transcript. Byte offsets are
// positions within RawContent.Text so chunk ranges can be mapped back to
// timestamps.
type TranscriptLine struct {
	ByteStart int
	ByteEnd   int
	Start     string // "HH:MM:SS"
	End       string
	Text      string
}

// RawContent is the output of the Extract stage: normalized UTF-8 text and
// whatever source metadata the extractor recovered.
type RawContent struct {
	SourceType  model.SourceType
	Text        string
	Title       string
	Author      string
	PublishedAt *time.Time

	// youtube only
	VideoID    string
	Channel    string
	Transcript []TranscriptLine

	// pdf only: byte offset where each page begins, page 1 first.
	PageOffsets []int

	Metadata map[string]any
}

// Extractor produces RawContent for a URL of its source type.
type Extractor interface {
	Extract(ctx context.Context, rawURL string) (*RawContent, error)
}

// DetectSourceType classifies a URL. YouTube hosts win over extension
// checks; a ".pdf" path selects the PDF path; everything else is web.
func DetectSourceType(rawURL string) model.SourceType {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.SourceWeb
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if host == "youtube.com" || host == "m.youtube.com" || host == "youtu.be" {
		return model.SourceYouTube
	}
	if strings.EqualFold(path.Ext(u.Path), ".pdf") {
		return model.SourcePDF
	}
	return model.SourceWeb
}

// Registry selects an extractor by source type.
type Registry struct {
	byType map[model.SourceType]Extractor
}

// NewRegistry builds a registry from the given extractors.
func NewRegistry(web, pdf, youtube Extractor) *Registry {
	return &Registry{byType: map[model.SourceType]Extractor{
		model.SourceWeb:     web,
		model.SourcePDF:     pdf,
		model.SourceYouTube: youtube,
	}}
}

// For returns the extractor for a URL, classifying it first.
func (r *Registry) For(rawURL string) (Extractor, model.SourceType, error) {
	st := DetectSourceType(rawURL)
	ex, ok := r.byType[st]
	if !ok || ex == nil {
		return nil, st, model.Ef(model.KindExtraction, "no extractor for source type %q", st)
	}
	return ex, st, nil
}

// VideoIDFromURL pulls the video id from the common YouTube URL shapes.
func VideoIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	if host == "youtu.be" {
		return strings.Trim(u.Path, "/")
	}
	if v := u.Query().Get("v"); v != "" {
		return v
	}
	// /shorts/<id> and /embed/<id>
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 2 && (parts[0] == "shorts" || parts[0] == "embed") {
		return parts[1]
	}
	return ""
}
