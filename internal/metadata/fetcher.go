// Package metadata fetches page titles, descriptions and headings for cited
// URLs. Every failure degrades to "no metadata".
package metadata

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/AI-Template-SDK/senso-visibility/internal/sources"
)

const (
	DefaultMaxURLs     = 20
	DefaultConcurrency = 5
	DefaultTimeout     = 5 * time.Second

	maxBodyBytes = 2 << 20
	userAgent    = "Mozilla/5.0 (compatible; SensoVisibilityBot/1.0)"
)

// PageMetadata is what the analysis step uses to categorize a source.
type PageMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	H1          string `json:"h1,omitempty"`
}

// Empty reports whether nothing was extracted.
func (m PageMetadata) Empty() bool {
	return m.Title == "" && m.Description == "" && m.H1 == ""
}

// Options tunes a Fetcher. Zero values take the package defaults.
type Options struct {
	MaxURLs     int
	Concurrency int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Fetcher fetches page metadata with bounded concurrency.
type Fetcher struct {
	client      *http.Client
	maxURLs     int
	concurrency int
	timeout     time.Duration
	log         zerolog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts Options, log zerolog.Logger) *Fetcher {
	f := &Fetcher{
		client:      opts.HTTPClient,
		maxURLs:     opts.MaxURLs,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		log:         log.With().Str("component", "metadata").Logger(),
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.maxURLs <= 0 {
		f.maxURLs = DefaultMaxURLs
	}
	if f.concurrency <= 0 {
		f.concurrency = DefaultConcurrency
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	return f
}

// Fetch returns metadata keyed by candidate URL. URLs that fail or yield
// nothing are absent from the map.
func (f *Fetcher) Fetch(ctx context.Context, candidates []sources.Candidate) map[string]PageMetadata {
	if len(candidates) > f.maxURLs {
		candidates = candidates[:f.maxURLs]
	}

	var mu sync.Mutex
	out := make(map[string]PageMetadata, len(candidates))

	g := new(errgroup.Group)
	g.SetLimit(f.concurrency)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			md, err := f.fetchOne(ctx, c.URL)
			if err != nil {
				f.log.Debug().Err(err).Str("url", c.URL).Msg("metadata fetch failed")
				return nil
			}
			if md.Empty() {
				return nil
			}
			mu.Lock()
			out[c.URL] = md
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	f.log.Debug().Int("requested", len(candidates)).Int("fetched", len(out)).Msg("metadata batch done")
	return out
}

func (f *Fetcher) fetchOne(ctx context.Context, rawURL string) (PageMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return PageMetadata{}, eris.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return PageMetadata{}, eris.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PageMetadata{}, eris.Errorf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return PageMetadata{}, eris.Errorf("unexpected content type %q", ct)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return PageMetadata{}, eris.Wrap(err, "failed to parse html")
	}

	pageURL, _ := url.Parse(rawURL)
	return Parse(doc, pageURL), nil
}

// Parse extracts metadata from a parsed document, falling back to
// readability for a missing title or description.
func Parse(doc *html.Node, pageURL *url.URL) PageMetadata {
	md := PageMetadata{
		Title:       collapse(textOf(findFirst(doc, "title"))),
		Description: findMetaContent(doc, []string{"description", "og:description", "twitter:description"}),
		H1:          collapse(textOf(findFirst(doc, "h1"))),
	}

	if pageURL != nil && (md.Title == "" || md.Description == "") {
		if article, err := readability.FromDocument(doc, pageURL); err == nil {
			if md.Title == "" {
				md.Title = collapse(article.Title)
			}
			if md.Description == "" {
				md.Description = collapse(article.Excerpt)
			}
		}
	}
	return md
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func findMetaContent(doc *html.Node, keys []string) string {
	values := map[string]string{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var key, content string
			for _, a := range n.Attr {
				switch strings.ToLower(a.Key) {
				case "name", "property":
					key = strings.ToLower(strings.TrimSpace(a.Val))
				case "content":
					content = a.Val
				}
			}
			if key != "" && content != "" {
				if _, ok := values[key]; !ok {
					values[key] = collapse(content)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, k := range keys {
		if v := values[k]; v != "" {
			return v
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
