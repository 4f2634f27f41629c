// Package history owns the durable, retention-bounded snapshot collection.
//
// A merge loads the persisted file, appends the new snapshots, drops
// everything older than the retention window, sorts by timestamp,
// deduplicates on (NodeName, Timestamp) and rewrites the whole file.
// The rewrite goes to a temporary file in the same directory which is
// then renamed over the old one, so readers see either the previous or
// the new collection, never a partial file.
//
// A Store is the single writer of its file. Merges on one Store are
// serialized; several processes sharing one path must serialize their
// merges externally. Reads never mutate and may run concurrently.
package history

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/nodewatch/config"
	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/snapshot"
	"github.com/xtxerr/nodewatch/internal/storage/csvfile"
	"github.com/xtxerr/nodewatch/internal/storage/parquet"
)

var log = logging.Component("history")

// Codec encodes and decodes the whole collection.
type Codec interface {
	Name() string
	Encode(w io.Writer, records []snapshot.NodeSnapshot) error
	Decode(r io.ReaderAt, size int64) ([]snapshot.NodeSnapshot, error)
}

// Store is the historical snapshot store backed by one file.
type Store struct {
	mu sync.Mutex // serializes merges

	path      string
	codec     Codec
	retention time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets the retention window.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// WithCodec overrides the codec picked from the file extension.
func WithCodec(c Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

// WithClock sets the time source used for the retention cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store for path. The file need not exist. Unless WithCodec
// is given, a .parquet extension selects Parquet and anything else CSV.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.NewMissingField("store.path")
	}

	s := &Store{
		path:      path,
		retention: config.DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.retention <= 0 {
		return nil, errors.NewInvalidValue("store.retention", s.retention, "must be positive")
	}
	if s.codec == nil {
		s.codec = CodecForPath(path, parquet.DefaultOptions())
	}

	return s, nil
}

// CodecForPath picks a codec from the file extension.
func CodecForPath(path string, opts parquet.Options) Codec {
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		return parquet.NewCodec(opts)
	}
	return csvfile.NewCodec()
}

// CodecByName returns the codec for a format name: csv, parquet, or auto
// (choose from path).
func CodecByName(name, path string, opts parquet.Options) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return CodecForPath(path, opts), nil
	case "csv":
		return csvfile.NewCodec(), nil
	case "parquet":
		return parquet.NewCodec(opts), nil
	default:
		return nil, fmt.Errorf("%q: %w", name, errors.ErrUnsupportedFormat)
	}
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Format returns the codec name.
func (s *Store) Format() string {
	return s.codec.Name()
}

// Retention returns the retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Load reads the persisted collection. A missing file is an empty store.
func (s *Store) Load() ([]snapshot.NodeSnapshot, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return []snapshot.NodeSnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", s.path, errors.ErrStoreRead, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w: %w", s.path, errors.ErrStoreRead, err)
	}

	records, err := s.codec.Decode(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w: %w", s.path, errors.ErrStoreRead, err)
	}
	return records, nil
}

// Merge folds fresh snapshots into the persisted collection and rewrites
// the file. It returns the resulting collection, ascending by timestamp.
//
// If the persisted file exists but cannot be read, nothing is written and
// the error wraps ErrStoreRead. If writing fails, the merged collection is
// still returned together with an error wrapping ErrStoreWrite; the file on
// disk is left as it was.
func (s *Store) Merge(fresh []snapshot.NodeSnapshot) ([]snapshot.NodeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()

	existing, err := s.Load()
	if err != nil {
		mergeErrors.WithLabelValues("read").Inc()
		return nil, err
	}

	merged := Compact(existing, fresh, s.now().Add(-s.retention))

	if err := s.write(merged); err != nil {
		mergeErrors.WithLabelValues("write").Inc()
		log.Error("persist failed", "path", s.path, "records", len(merged), "error", err)
		return merged, err
	}

	storedRecords.Set(float64(len(merged)))
	mergeDuration.Observe(time.Since(start).Seconds())
	log.Debug("merged",
		"path", s.path,
		"existing", len(existing),
		"fresh", len(fresh),
		"stored", len(merged))

	return merged, nil
}

// Compact applies the merge rules to existing followed by fresh:
// normalize timestamps, drop records before cutoff, stable-sort ascending
// by timestamp, and keep only the last record of each (NodeName,
// Timestamp) key. Among same-key records the one merged later wins.
func Compact(existing, fresh []snapshot.NodeSnapshot, cutoff time.Time) []snapshot.NodeSnapshot {
	combined := make([]snapshot.NodeSnapshot, 0, len(existing)+len(fresh))
	for _, batch := range [][]snapshot.NodeSnapshot{existing, fresh} {
		for i := range batch {
			r := batch[i].Normalize()
			if r.Timestamp.Before(cutoff) {
				continue
			}
			combined = append(combined, r)
		}
	}

	snapshot.SortByTime(combined)

	// Walk backwards so the last occurrence of each key is the one kept,
	// at its own position.
	seen := make(map[snapshot.Key]struct{}, len(combined))
	kept := make([]snapshot.NodeSnapshot, 0, len(combined))
	for i := len(combined) - 1; i >= 0; i-- {
		k := combined[i].Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		kept = append(kept, combined[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	return kept
}

// write replaces the store file with records via temp file and rename.
func (s *Store) write(records []snapshot.NodeSnapshot) (err error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w: %w", errors.ErrStoreWrite, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w: %w", errors.ErrStoreWrite, err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := s.codec.Encode(tmp, records); err != nil {
		return fmt.Errorf("encode: %w: %w", errors.ErrStoreWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w: %w", errors.ErrStoreWrite, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		return fmt.Errorf("chmod: %w: %w", errors.ErrStoreWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w: %w", errors.ErrStoreWrite, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename: %w: %w", errors.ErrStoreWrite, err)
	}

	return nil
}

// HistoryFor returns every persisted snapshot of node, ascending by
// timestamp. An unreadable or missing store yields an empty slice.
func (s *Store) HistoryFor(node string) []snapshot.NodeSnapshot {
	records, err := s.Load()
	if err != nil {
		log.Warn("history unavailable", "node", node, "error", err)
		return []snapshot.NodeSnapshot{}
	}

	out := snapshot.Filter(records, node)
	snapshot.SortByTime(out)
	return out
}

// CurrentStateFor looks node up in a freshly fetched batch. The persisted
// collection is never consulted.
func (s *Store) CurrentStateFor(node string, current []snapshot.NodeSnapshot) (snapshot.NodeSnapshot, bool) {
	return snapshot.Find(current, node)
}
