package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kpiwatch/internal/kpi"
)

// HTTPOptions parameterise the JSON feed source.
type HTTPOptions struct {
	Name      string
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// HTTP pulls observations from a JSON endpoint.
type HTTP struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTP constructs a JSON feed source.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTP{
		opts:   opts,
		logger: logger.With().Str("component", "http_source").Str("source", opts.Name).Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies the source in logs.
func (h *HTTP) Name() string { return h.opts.Name }

// Fetch GETs the feed and converts it into daily observations.
func (h *HTTP) Fetch(ctx context.Context) ([]kpi.Observation, error) {
	if strings.TrimSpace(h.opts.URL) == "" {
		return nil, errors.New("feed url required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "kpiwatch/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var feed feedResponse
	if err := json.Unmarshal(payload, &feed); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	refreshed := time.Now().UTC().Truncate(time.Second)
	rows := make([]kpi.Observation, 0, len(feed.Observations))
	for i, item := range feed.Observations {
		obs, err := item.observation(h.opts.Name, refreshed)
		if err != nil {
			h.logger.Warn().Err(err).Int("index", i).Msg("skipping malformed feed item")
			continue
		}
		rows = append(rows, obs)
	}
	return rows, nil
}

type feedResponse struct {
	Observations []feedItem `json:"observations"`
}

type feedItem struct {
	AsOfDate    string          `json:"as_of_date"`
	WindowDays  int             `json:"window_days"`
	Section     string          `json:"section"`
	MetricKey   string          `json:"metric_key"`
	MetricLabel string          `json:"metric_label"`
	Value       decimal.Decimal `json:"value"`
	ValueType   string          `json:"value_type"`
	Source      string          `json:"source"`
}

func (f feedItem) observation(source string, refreshed time.Time) (kpi.Observation, error) {
	date, err := kpi.ParseDate(f.AsOfDate)
	if err != nil {
		return kpi.Observation{}, fmt.Errorf("as_of_date: %w", err)
	}
	if f.MetricKey == "" {
		return kpi.Observation{}, errors.New("metric_key is empty")
	}
	window := f.WindowDays
	if window <= 0 {
		window = kpi.DailyWindow
	}
	if f.Source != "" {
		source = f.Source
	}
	label := f.MetricLabel
	if label == "" {
		label = f.MetricKey
	}
	row := kpi.NewDailyObservation(date, f.Section, f.MetricKey, label, f.Value.InexactFloat64(), kpi.ParseValueType(f.ValueType), source, refreshed)
	row.WindowDays = window
	return row, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("feed error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("feed error (%d)", status)
}

var _ Source = (*HTTP)(nil)
