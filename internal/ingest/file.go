package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/storage/csvfile"
)

// File reads a CSV already in the history schema.
type File struct {
	name   string
	path   string
	logger zerolog.Logger
}

// NewFile constructs a history-schema file source.
func NewFile(name, path string, logger zerolog.Logger) *File {
	return &File{
		name:   name,
		path:   path,
		logger: logger.With().Str("component", "file_source").Str("source", name).Logger(),
	}
}

// Name identifies the source in logs.
func (f *File) Name() string { return f.name }

// Fetch decodes the file, dropping malformed rows.
func (f *File) Fetch(ctx context.Context) ([]kpi.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()

	rows, skipped, err := csvfile.DecodeObservations(file, f.logger)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	if skipped > 0 {
		f.logger.Warn().Int("skipped", skipped).Msg("dropped malformed rows")
	}
	for i := range rows {
		if rows[i].Source == "" {
			rows[i].Source = f.name
		}
	}
	return rows, nil
}

var _ Source = (*File)(nil)
