// Package newsfeed collects energy and bitcoin market headlines from RSS
// feeds to give the analysis prompt some market colour.
package newsfeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/fleetpilot/pkg/models"
)

// maxSummary bounds how much of an item description reaches the prompt.
const maxSummary = 280

// Reader fetches and caches headlines from a fixed set of feeds.
type Reader struct {
	feeds  []string
	ttl    time.Duration
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	cached   []models.Headline
	cachedAt time.Time
	now      func() time.Time
}

// Option configures a Reader.
type Option func(*Reader)

// WithHTTPClient sets the client used to download feeds.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Reader) {
		if hc != nil {
			r.client = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// New creates a Reader over feeds. A zero ttl disables caching.
func New(feeds []string, ttl time.Duration, opts ...Option) *Reader {
	r := &Reader{
		feeds:  feeds,
		ttl:    ttl,
		client: &http.Client{Timeout: 20 * time.Second},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "newsfeed")
	return r
}

// Enabled reports whether any feed is configured.
func (r *Reader) Enabled() bool { return r != nil && len(r.feeds) > 0 }

// Headlines returns up to limit headlines across all feeds, newest first.
// Feeds that fail are logged and skipped, so the result may be empty but
// never an error.
func (r *Reader) Headlines(ctx context.Context, limit int) []models.Headline {
	if !r.Enabled() {
		return nil
	}

	all, ok := r.fromCache()
	if !ok {
		all = r.fetchAll(ctx)
		r.store(all)
	}

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return append([]models.Headline(nil), all...)
}

func (r *Reader) fromCache() ([]models.Headline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ttl <= 0 || r.cachedAt.IsZero() || r.now().Sub(r.cachedAt) > r.ttl {
		return nil, false
	}
	return r.cached, true
}

func (r *Reader) store(h []models.Headline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = h
	r.cachedAt = r.now()
}

func (r *Reader) fetchAll(ctx context.Context) []models.Headline {
	results := make([][]models.Headline, len(r.feeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, url := range r.feeds {
		i, url := i, url
		g.Go(func() error {
			items, err := r.fetch(gctx, url)
			if err != nil {
				r.logger.Warn("feed skipped", "url", url, "error", err)
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	var all []models.Headline
	for _, items := range results {
		all = append(all, items...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].PublishedAt.After(all[j].PublishedAt)
	})
	return all
}

func (r *Reader) fetch(ctx context.Context, url string) ([]models.Headline, error) {
	// gofeed.Parser is not safe for concurrent use; one per fetch.
	parser := gofeed.NewParser()
	parser.Client = r.client
	feed, err := parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	source := feed.Title
	if source == "" {
		source = url
	}
	out := make([]models.Headline, 0, len(feed.Items))
	for _, item := range feed.Items {
		if strings.TrimSpace(item.Title) == "" {
			continue
		}
		h := models.Headline{
			Title:   strings.TrimSpace(item.Title),
			Source:  source,
			Summary: truncate(cleanHTML(item.Description), maxSummary),
			URL:     item.Link,
		}
		switch {
		case item.PublishedParsed != nil:
			h.PublishedAt = item.PublishedParsed.UTC()
		case item.UpdatedParsed != nil:
			h.PublishedAt = item.UpdatedParsed.UTC()
		}
		h.Tone = Tone(h.Title + " " + h.Summary)
		out = append(out, h)
	}
	return out, nil
}

// cleanHTML strips markup from a feed description.
func cleanHTML(s string) string {
	if s == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + s + "</body>"))
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
