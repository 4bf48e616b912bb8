package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"

	"tracelight/internal/model"
)

// WebOptions tunes the web extractor. Zero value is sensible.
type WebOptions struct {
	Timeout      time.Duration
	MaxBytes     int64
	UserAgent    string
	MaxRedirects int
}

// WebExtractor fetches a page, extracts the main article with readability,
// and converts it to markdown-flavored normalized text.
type WebExtractor struct {
	client *http.Client
	opts   WebOptions
}

// NewWebExtractor creates a web extractor with hardened HTTP defaults.
func NewWebExtractor(opts WebOptions) *WebExtractor {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 8 * 1000 * 1000
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36"
	}

	dialer := &net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > opts.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", opts.MaxRedirects)
			}
			return nil
		},
	}
	return &WebExtractor{client: client, opts: opts}
}

// Extract implements Extractor for HTML pages.
func (w *WebExtractor) Extract(ctx context.Context, rawURL string) (*RawContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.Wrap(model.KindExtraction, "build request", err)
	}
	req.Header.Set("User-Agent", w.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, ClassifyHTTPError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	finalURL := resp.Request.URL.String()
	ct, cs := parseContentType(resp.Header.Get("Content-Type"))

	limited := io.LimitReader(resp.Body, w.opts.MaxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, model.Transient(model.KindExtraction, "read body", err)
	}
	if int64(len(body)) > w.opts.MaxBytes {
		return nil, model.Ef(model.KindExtraction, "response exceeds max bytes (%d)", w.opts.MaxBytes)
	}

	utf8Body, err := toUTF8(body, cs)
	if err != nil {
		return nil, model.Wrap(model.KindExtraction, "charset decode", err)
	}

	switch {
	case isHTML(ct):
		html := string(utf8Body)
		var articleHTML, title, author string
		var published *time.Time

		base, _ := url.Parse(finalURL)
		if art, rerr := readability.FromReader(strings.NewReader(html), base); rerr == nil && strings.TrimSpace(art.Content) != "" {
			articleHTML = art.Content
			title = strings.TrimSpace(art.Title)
			author = strings.TrimSpace(art.Byline)
			if art.PublishedTime != nil {
				t := art.PublishedTime.UTC()
				published = &t
			}
		}
		if articleHTML == "" {
			articleHTML = html
		}

		md, mdErr := htmltomarkdown.ConvertString(articleHTML, converter.WithDomain(baseOrigin(finalURL)))
		if mdErr != nil {
			return nil, model.Wrap(model.KindExtraction, "html to markdown", mdErr)
		}
		text := normalizeText(md)
		if text == "" {
			return nil, model.E(model.KindExtraction, "page yielded no text")
		}
		return &RawContent{
			SourceType:  model.SourceWeb,
			Text:        text,
			Title:       title,
			Author:      author,
			PublishedAt: published,
			Metadata:    map[string]any{"final_url": finalURL, "content_type": ct},
		}, nil

	case strings.HasPrefix(ct, "text/"):
		text := normalizeText(string(utf8Body))
		if text == "" {
			return nil, model.E(model.KindExtraction, "empty text body")
		}
		return &RawContent{
			SourceType: model.SourceWeb,
			Text:       text,
			Metadata:   map[string]any{"final_url": finalURL, "content_type": ct},
		}, nil

	default:
		return nil, model.Ef(model.KindExtraction, "unsupported content type %q", ct)
	}
}

// ClassifyHTTPError maps transport failures to the taxonomy: timeouts,
// connection drops and other network errors (*net.OpError) are transient;
// everything else is permanent.
func ClassifyHTTPError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.Transient(model.KindExtraction, "fetch timeout", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Transient(model.KindExtraction, "fetch timeout", err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return model.Transient(model.KindExtraction, "connection dropped", err)
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return model.Transient(model.KindExtraction, "network error", err)
	}
	return model.Wrap(model.KindExtraction, "fetch failed", err)
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return model.Transient(model.KindExtraction, "rate limited (429)", nil)
	case code >= 500:
		return model.Transient(model.KindExtraction, fmt.Sprintf("server error (%d)", code), nil)
	default:
		return model.Ef(model.KindExtraction, "fetch failed with status %d", code)
	}
}

func parseContentType(h string) (ctype, cs string) {
	if h == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(h)
	if err != nil {
		return strings.ToLower(h), ""
	}
	return strings.ToLower(mt), strings.ToLower(params["charset"])
}

func isHTML(ct string) bool {
	return ct == "text/html" || ct == "application/xhtml+xml" || strings.HasSuffix(ct, "html") || ct == ""
}

func toUTF8(b []byte, label string) ([]byte, error) {
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return b, nil
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func baseOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// normalizeText normalizes newlines, collapses runs of blank lines, and trims.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
