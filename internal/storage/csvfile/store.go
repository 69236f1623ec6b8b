// Package csvfile keeps history, archive partitions and the serving snapshot
// as CSV files on local disk.
package csvfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/snapshot"
)

// Options locate the files.
type Options struct {
	HistoryPath     string
	ArchiveDir      string
	SnapshotPath    string
	CompressArchive bool
}

// Store implements history.Store, history.Archive and the snapshot
// reader/writer on top of CSV files.
type Store struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a file-backed store.
func New(opts Options, logger zerolog.Logger) *Store {
	return &Store{
		opts:   opts,
		logger: logger.With().Str("component", "csvfile").Logger(),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// LoadHistory reads the active history. A missing file is empty history.
func (s *Store) LoadHistory(ctx context.Context) ([]kpi.Observation, error) {
	return s.readObservations(ctx, s.opts.HistoryPath, false)
}

// ReplaceHistory rewrites the active history file.
func (s *Store) ReplaceHistory(ctx context.Context, rows []kpi.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(s.opts.HistoryPath, false, func(w io.Writer) error {
		return EncodeObservations(w, rows)
	})
}

// ArchivePath returns the partition file for month.
func (s *Store) ArchivePath(month string) string {
	name := fmt.Sprintf("kpi_history_%s.csv", month)
	if s.opts.CompressArchive {
		name += ".gz"
	}
	return filepath.Join(s.opts.ArchiveDir, name)
}

// MergeMonth merges rows into the month partition.
func (s *Store) MergeMonth(ctx context.Context, month string, rows []kpi.Observation) error {
	if s.opts.ArchiveDir == "" {
		return errors.New("csvfile: archive dir not configured")
	}
	path := s.ArchivePath(month)
	existing, err := s.readObservations(ctx, path, s.opts.CompressArchive)
	if err != nil {
		return err
	}
	merged := kpi.Merge(existing, rows)
	return writeAtomic(path, s.opts.CompressArchive, func(w io.Writer) error {
		return EncodeObservations(w, merged)
	})
}

// LoadArchive reads one month partition.
func (s *Store) LoadArchive(ctx context.Context, month string) ([]kpi.Observation, error) {
	return s.readObservations(ctx, s.ArchivePath(month), s.opts.CompressArchive)
}

// ReplaceSnapshot overwrites the serving snapshot.
func (s *Store) ReplaceSnapshot(ctx context.Context, rows []snapshot.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(s.opts.SnapshotPath, false, func(w io.Writer) error {
		return EncodeSnapshot(w, rows)
	})
}

// LoadSnapshot reads the serving snapshot. A missing file is an empty snapshot.
func (s *Store) LoadSnapshot(ctx context.Context) ([]snapshot.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(s.opts.SnapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	rows, err := DecodeSnapshot(file)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.opts.SnapshotPath, err)
	}
	return rows, nil
}

func (s *Store) readObservations(ctx context.Context, path string, compressed bool) ([]kpi.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var r io.Reader = file
	if compressed {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("gzip reader %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	rows, skipped, err := DecodeObservations(r, s.logger)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if skipped > 0 {
		s.logger.Warn().Str("path", path).Int("skipped", skipped).Msg("dropped malformed rows")
	}
	return rows, nil
}

// writeAtomic writes into a temp file next to path and renames it into place.
func writeAtomic(path string, compressed bool, encode func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if compressed {
		gz := gzip.NewWriter(tmp)
		if err = encode(gz); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		if err = gz.Close(); err != nil {
			return fmt.Errorf("flush gzip %s: %w", path, err)
		}
	} else if err = encode(tmp); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
