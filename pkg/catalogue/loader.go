package catalogue

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Loader supplies raw catalogue rows from a tabular source.
type Loader interface {
	Load(ctx context.Context) ([]Event, error)
}

// NewLoader picks a loader for the source: http(s) URLs fetch remotely,
// anything else is treated as a local file path.
func NewLoader(source string) Loader {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return &HTTPLoader{URL: source}
	}
	return &FileLoader{Path: source}
}

// Load builds the catalogue from the given source and logs its summary.
func Load(ctx context.Context, source string) (*Catalogue, error) {
	rows, err := NewLoader(source).Load(ctx)
	if err != nil {
		return nil, err
	}
	cat, err := Build(rows)
	if err != nil {
		return nil, fmt.Errorf("build catalogue from %s: %w", source, err)
	}
	log.Printf("[INFO] catalogue loaded from %s: %d events, timestamps %dms..%dms",
		source, cat.Size(), cat.FirstTimestamp(), cat.LastTimestamp())
	return cat, nil
}

// FileLoader reads catalogue rows from a local CSV file.
type FileLoader struct {
	Path string
}

// Load reads and parses the CSV file.
func (l *FileLoader) Load(_ context.Context) ([]Event, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open catalogue file: %w", err)
	}
	defer f.Close()

	rows, err := decodeCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", l.Path, err)
	}
	return rows, nil
}

// HTTPLoader fetches catalogue rows from a remote CSV endpoint.
// transient failures are retried a few times before giving up.
type HTTPLoader struct {
	URL     string
	Client  *http.Client  // optional, default has a 30s timeout
	Retries int           // attempts, default 3
	Delay   time.Duration // pause between attempts, default 1s
}

// Load fetches the CSV over HTTP and parses it.
func (l *HTTPLoader) Load(ctx context.Context) ([]Event, error) {
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	attempts := l.Retries
	if attempts <= 0 {
		attempts = 3
	}
	delay := l.Delay
	if delay <= 0 {
		delay = time.Second
	}

	var rows []Event
	err := repeater.NewDefault(attempts, delay).Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, http.NoBody)
		if err != nil {
			return fmt.Errorf("make request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch catalogue: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch catalogue: unexpected status %s", resp.Status)
		}

		parsed, err := decodeCSV(resp.Body)
		if err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		rows = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", l.URL, err)
	}
	return rows, nil
}

// columns expected in the CSV header, matched case-insensitively.
var csvColumns = []string{"id", "timestamp", "event", "price1", "shares1", "xchg1", "price2", "shares2", "xchg2"}

// decodeCSV parses the market-data CSV export: a header row naming the
// columns, then one event per record. a leading UTF-8 BOM is tolerated and
// blank numeric cells read as zero, matching the files the exchange exports.
func decodeCSV(r io.Reader) ([]Event, error) {
	// the decoder strips a BOM if present and passes plain UTF-8 through
	cr := csv.NewReader(transform.NewReader(r, unicode.UTF8BOM.NewDecoder()))
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range csvColumns {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("missing column %q in header", name)
		}
	}

	var rows []Event
	line := 1 // header consumed
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		line++

		ev, err := parseRecord(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, ev)
	}

	return rows, nil
}

// parseRecord converts one CSV record into an Event using the header index.
func parseRecord(rec []string, idx map[string]int) (Event, error) {
	cell := func(name string) string {
		i := idx[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	ts, err := strconv.ParseInt(cell("timestamp"), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("invalid timestamp %q: %w", cell("timestamp"), err)
	}

	ev := Event{Timestamp: ts, Type: cell("event"), Xchg1: cell("xchg1"), Xchg2: cell("xchg2")}

	if ev.ID, err = parseIntCell(cell("id")); err != nil {
		return Event{}, fmt.Errorf("invalid id %q: %w", cell("id"), err)
	}
	if ev.Price1, err = parseFloatCell(cell("price1")); err != nil {
		return Event{}, fmt.Errorf("invalid price1 %q: %w", cell("price1"), err)
	}
	if ev.Shares1, err = parseIntCell(cell("shares1")); err != nil {
		return Event{}, fmt.Errorf("invalid shares1 %q: %w", cell("shares1"), err)
	}
	if ev.Price2, err = parseFloatCell(cell("price2")); err != nil {
		return Event{}, fmt.Errorf("invalid price2 %q: %w", cell("price2"), err)
	}
	if ev.Shares2, err = parseIntCell(cell("shares2")); err != nil {
		return Event{}, fmt.Errorf("invalid shares2 %q: %w", cell("shares2"), err)
	}

	return ev, nil
}

// parseFloatCell parses a float cell, treating blank as zero.
func parseFloatCell(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// parseIntCell parses an int cell, treating blank as zero.
func parseIntCell(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
