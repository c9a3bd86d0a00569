package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Snapshot is one decoded load of a source.
type Snapshot struct {
	Source       string
	Observations []Observation
	Fingerprint  uint64
	LoadedAt     time.Time
}

// Loader reads observations from the configured source.
type Loader struct {
	cfg    Config
	client *http.Client
	cache  *Cache
	logger *zap.Logger
}

// NewLoader creates a loader backed by the process-wide cache.
func NewLoader(cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cfg:    cfg.WithDefaults(),
		client: http.DefaultClient,
		cache:  defaultCache,
		logger: logger,
	}
}

// WithCache swaps the snapshot cache, mainly for tests.
func (l *Loader) WithCache(c *Cache) *Loader {
	l.cache = c
	return l
}

// WithHTTPClient sets the client used for remote sources.
func (l *Loader) WithHTTPClient(c *http.Client) *Loader {
	l.client = c
	return l
}

func (l *Loader) Config() Config {
	return l.cfg
}

// Load returns the observations, using the cache when possible.
func (l *Loader) Load(ctx context.Context) ([]Observation, error) {
	snap, err := l.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Observations, nil
}

// Snapshot returns the cached snapshot for the source or loads it.
func (l *Loader) Snapshot(ctx context.Context) (*Snapshot, error) {
	if l.cache != nil {
		if snap, ok := l.cache.Get(l.cacheKey()); ok {
			return snap, nil
		}
	}
	return l.Reload(ctx)
}

// Reload fetches the source unconditionally and replaces the cache entry.
func (l *Loader) Reload(ctx context.Context) (*Snapshot, error) {
	if strings.TrimSpace(l.cfg.Source) == "" {
		return nil, fmt.Errorf("%w: no source configured", ErrDataUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	start := time.Now()
	body, err := l.fetch(ctx)
	if err != nil {
		l.forget()
		return nil, err
	}

	observations, err := Parse(body, l.cfg)
	if err != nil {
		l.forget()
		return nil, err
	}

	snap := &Snapshot{
		Source:       l.cfg.Source,
		Observations: observations,
		Fingerprint:  xxhash.Sum64(body),
		LoadedAt:     time.Now(),
	}
	cached := 0
	if l.cache != nil {
		l.cache.Put(l.cacheKey(), snap)
		cached = l.cache.Len()
	}

	l.logger.Info("dataset loaded",
		zap.String("source", l.cfg.Source),
		zap.Int("rows", len(observations)),
		zap.Uint64("fingerprint", snap.Fingerprint),
		zap.Int("cached_snapshots", cached),
		zap.Duration("elapsed", time.Since(start)),
	)
	return snap, nil
}

// forget drops the cached snapshot after a failed reload.
func (l *Loader) forget() {
	if l.cache != nil {
		l.cache.Remove(l.cacheKey())
	}
}

// cacheKey identifies the source together with every setting that changes
// how its bytes are decoded into observations.
func (l *Loader) cacheKey() string {
	c := l.cfg
	settings := strings.Join([]string{
		strings.ToLower(c.Encoding),
		strings.ToLower(c.Compression),
		c.Delimiter,
		strconv.FormatBool(c.DecimalComma),
		strings.ToLower(c.PowerUnit),
		strconv.FormatInt(c.MaxBytes, 10),
		c.Columns.Distance, c.Columns.Height, c.Columns.Power, c.Columns.Signal,
	}, "\x00")
	return c.Source + "#" + strconv.FormatUint(xxhash.Sum64String(settings), 16)
}

// fetch returns the decompressed, UTF-8 decoded body.
func (l *Loader) fetch(ctx context.Context) ([]byte, error) {
	raw, name, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	r, closeFn, err := decompress(raw, compressionFor(l.cfg.Compression, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	defer closeFn()

	enc, err := lookupEncoding(l.cfg.Encoding)
	if err != nil {
		return nil, err
	}
	decoded := transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder()))

	body, err := io.ReadAll(io.LimitReader(decoded, l.cfg.MaxBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: timed out reading %s after %s", ErrDataUnavailable, l.cfg.Source, l.cfg.Timeout)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrDataUnavailable, l.cfg.Source, err)
	}
	if int64(len(body)) > l.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrDataUnavailable, l.cfg.Source, l.cfg.MaxBytes)
	}
	return body, nil
}

func (l *Loader) open(ctx context.Context) (io.ReadCloser, string, error) {
	source := l.cfg.Source
	if !IsRemote(source) {
		f, err := os.Open(source)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrDataUnavailable, err)
		}
		return f, source, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	req.Header.Set("Accept", "text/csv, text/plain;q=0.9, */*;q=0.5")

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: timed out fetching %s after %s", ErrDataUnavailable, source, l.cfg.Timeout)
		}
		return nil, "", fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: %s returned %s", ErrDataUnavailable, source, resp.Status)
	}

	name := source
	if u, err := url.Parse(source); err == nil {
		name = u.Path
	}
	return resp.Body, name, nil
}

func compressionFor(configured, name string) string {
	c := strings.ToLower(configured)
	if c != "" && c != CompressionAuto {
		return c
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".gz", ".gzip":
		return CompressionGzip
	case ".zst", ".zstd":
		return CompressionZstd
	case ".lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

func decompress(r io.Reader, kind string) (io.Reader, func(), error) {
	switch kind {
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, func() { zr.Close() }, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return zr, zr.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return r, func() {}, nil
	}
}

func lookupEncoding(label string) (encoding.Encoding, error) {
	if strings.TrimSpace(label) == "" {
		label = "utf-8"
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", label, err)
	}
	return enc, nil
}

// Parse decodes CSV bytes into observations according to cfg.
// Power values are converted to milliwatts.
func Parse(body []byte, cfg Config) ([]Observation, error) {
	cfg = cfg.WithDefaults()
	scale, err := powerScale(cfg.PowerUnit)
	if err != nil {
		return nil, err
	}
	if err := cfg.checkDelimiter(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
	}

	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	if d := []rune(cfg.Delimiter); len(d) == 1 {
		reader.Comma = d[0]
	}

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty source", ErrDataUnavailable)
		}
		return nil, fmt.Errorf("%w: malformed header: %v", ErrDataUnavailable, err)
	}

	idx, err := columnIndex(header, cfg.Columns)
	if err != nil {
		return nil, err
	}

	var (
		observations []Observation
		rowErrs      error
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
		}
		line, _ := reader.FieldPos(0)
		if len(record) != len(header) {
			rowErrs = multierr.Append(rowErrs, fmt.Errorf("line %d: %d field(s), header has %d", line, len(record), len(header)))
			continue
		}

		var values [4]float64
		ok := true
		for i, col := range idx {
			v, err := parseCell(record, col.index, cfg.DecimalComma)
			if err != nil {
				rowErrs = multierr.Append(rowErrs, fmt.Errorf("line %d column %q: %v", line, col.name, err))
				ok = false
				continue
			}
			values[i] = v
		}
		if !ok {
			continue
		}
		observations = append(observations, Observation{
			Distance: values[0],
			Height:   values[1],
			Power:    values[2] * scale,
			Signal:   values[3],
		})
	}

	if rowErrs != nil {
		return nil, fmt.Errorf("%w: %d bad cell(s) or row(s): %v", ErrInvalidData, len(multierr.Errors(rowErrs)), rowErrs)
	}
	if len(observations) == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrInvalidData)
	}
	return observations, nil
}

type column struct {
	name  string
	index int
}

// columnIndex returns distance, height, power, signal positions in that order.
func columnIndex(header []string, cols Columns) ([4]column, error) {
	wanted := [4]string{cols.Distance, cols.Height, cols.Power, cols.Signal}
	var out [4]column
	var missing []string
	for i, name := range wanted {
		out[i] = column{name: name, index: -1}
		for j, cell := range header {
			cell = strings.TrimSpace(strings.TrimPrefix(cell, "\ufeff"))
			if strings.EqualFold(cell, strings.TrimSpace(name)) {
				out[i].index = j
				break
			}
		}
		if out[i].index < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("%w: missing column(s) %s", ErrDataUnavailable, strings.Join(missing, ", "))
	}
	return out, nil
}

func parseCell(record []string, index int, decimalComma bool) (float64, error) {
	if index >= len(record) {
		return 0, errors.New("missing value")
	}
	raw := strings.TrimSpace(record[index])
	if raw == "" {
		return 0, errors.New("missing value")
	}
	if decimalComma {
		raw = strings.ReplaceAll(raw, ",", ".")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-numeric value %q", record[index])
	}
	return v, nil
}
