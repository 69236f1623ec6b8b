// Package ingest reads daily observations from the configured sources.
package ingest

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"kpiwatch/internal/config"
	"kpiwatch/internal/kpi"
)

// Source produces observations for one refresh.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]kpi.Observation, error)
}

// New builds a Source from configuration.
func New(cfg config.SourceConfig, logger zerolog.Logger) (Source, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.Type
	}
	switch cfg.Type {
	case "file":
		return NewFile(name, cfg.Path, logger), nil
	case "wide":
		return NewWide(WideOptions{
			Name:       name,
			Path:       cfg.Path,
			DateColumn: cfg.DateColumn,
			Section:    cfg.Section,
			Columns:    columnsFromConfig(cfg.Columns),
		}, logger), nil
	case "http":
		return NewHTTP(HTTPOptions{Name: name, URL: cfg.URL, Timeout: cfg.Timeout}, logger), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// FromConfig builds every configured source.
func FromConfig(cfgs []config.SourceConfig, logger zerolog.Logger) ([]Source, error) {
	sources := make([]Source, 0, len(cfgs))
	for i, cfg := range cfgs {
		src, err := New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("ingest.sources[%d]: %w", i, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// Collect fetches every source. A failing source is logged and skipped so
// the others still contribute; the returned count reports the failures.
func Collect(ctx context.Context, sources []Source, logger zerolog.Logger) ([]kpi.Observation, int) {
	var (
		rows   []kpi.Observation
		failed int
	)
	for _, src := range sources {
		fetched, err := src.Fetch(ctx)
		if err != nil {
			failed++
			logger.Error().Err(err).Str("source", src.Name()).Msg("fetch observations failed")
			continue
		}
		logger.Info().Str("source", src.Name()).Int("rows", len(fetched)).Msg("observations fetched")
		rows = append(rows, fetched...)
	}
	return rows, failed
}

func columnsFromConfig(cols []config.ColumnConfig) []Column {
	out := make([]Column, 0, len(cols))
	for _, c := range cols {
		out = append(out, Column{
			Column:    c.Column,
			MetricKey: c.MetricKey,
			Label:     c.Label,
			ValueType: kpi.ParseValueType(c.ValueType),
			Section:   c.Section,
		})
	}
	return out
}
