package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tracelight/internal/model"
)

// TimedLine is one transcript line as delivered by the external fetcher.
type TimedLine struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// VideoTranscript is the external fetcher's result for one video.
type VideoTranscript struct {
	Title       string
	Channel     string
	PublishedAt *time.Time
	Lines       []TimedLine
}

// TranscriptFetcher is the external YouTube collaborator. Implementations
// talk to a transcript API or a local resolver; the engine only consumes
// the timed lines.
type TranscriptFetcher interface {
	FetchTranscript(ctx context.Context, videoID string) (*VideoTranscript, error)
}

// YouTubeExtractor builds normalized text from a video transcript, keeping
// the line-to-timestamp mapping so chunks can carry timestamp ranges.
type YouTubeExtractor struct {
	fetcher TranscriptFetcher
}

func NewYouTubeExtractor(fetcher TranscriptFetcher) *YouTubeExtractor {
	return &YouTubeExtractor{fetcher: fetcher}
}

func (y *YouTubeExtractor) Extract(ctx context.Context, rawURL string) (*RawContent, error) {
	videoID := VideoIDFromURL(rawURL)
	if videoID == "" {
		return nil, model.Ef(model.KindExtraction, "no video id in url %q", rawURL)
	}
	if y.fetcher == nil {
		return nil, model.E(model.KindExtraction, "no transcript fetcher configured")
	}
	tr, err := y.fetcher.FetchTranscript(ctx, videoID)
	if err != nil {
		if model.IsTransient(err) {
			return nil, err
		}
		return nil, model.Wrap(model.KindExtraction, "fetch transcript", err)
	}
	if len(tr.Lines) == 0 {
		return nil, model.E(model.KindExtraction, "transcript is empty")
	}

	var sb strings.Builder
	lines := make([]TranscriptLine, 0, len(tr.Lines))
	for i, ln := range tr.Lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		start := sb.Len()
		sb.WriteString(ln.Text)
		lines = append(lines, TranscriptLine{
			ByteStart: start,
			ByteEnd:   sb.Len(),
			Start:     FormatTimestamp(ln.Start),
			End:       FormatTimestamp(ln.End),
			Text:      ln.Text,
		})
	}

	return &RawContent{
		SourceType:  model.SourceYouTube,
		Text:        sb.String(),
		Title:       tr.Title,
		Author:      tr.Channel,
		PublishedAt: tr.PublishedAt,
		VideoID:     videoID,
		Channel:     tr.Channel,
		Transcript:  lines,
		Metadata:    map[string]any{"video_id": videoID, "channel": tr.Channel},
	}, nil
}

// FormatTimestamp renders a duration as HH:MM:SS.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
