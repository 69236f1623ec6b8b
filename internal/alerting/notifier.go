package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/threshold"
)

// Notification 封装告警上下文。
type Notification struct {
	AsOfDate       time.Time
	Section        string
	MetricKey      string
	MetricLabel    string
	WindowDays     int
	ValueType      kpi.ValueType
	Value          decimal.Decimal
	Status         threshold.Status
	Signals        threshold.SignalSet
	LowerThreshold *decimal.Decimal
	UpperThreshold *decimal.Decimal
	PctChange      *decimal.Decimal
	SeasonalZScore *decimal.Decimal
	Channels       []string
	AdditionalMsg  string
}

// NewNotification builds the alert context for a snapshot row.
func NewNotification(row snapshot.Row, channels []string) Notification {
	return Notification{
		AsOfDate:       row.AsOfDate,
		Section:        row.Section,
		MetricKey:      row.MetricKey,
		MetricLabel:    row.MetricLabel,
		WindowDays:     row.WindowDays,
		ValueType:      row.ValueType,
		Value:          decimal.NewFromFloat(row.Value),
		Status:         row.Status,
		Signals:        row.Signals,
		LowerThreshold: toDecimal(row.LowerThreshold),
		UpperThreshold: toDecimal(row.UpperThreshold),
		PctChange:      toDecimal(row.PctChange),
		SeasonalZScore: toDecimal(row.SeasonalZScore),
		Channels:       channels,
	}
}

func toDecimal(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("metric_key", note.MetricKey).
		Int("window_days", note.WindowDays).
		Str("status", string(note.Status)).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier 将告警写入日志, 适用于未配置外部渠道的场景。
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify 输出一条 warn 级别日志。
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("as_of_date", note.AsOfDate.Format(kpi.DateLayout)).
		Str("section", note.Section).
		Str("metric_key", note.MetricKey).
		Int("window_days", note.WindowDays).
		Str("value", note.Value.String()).
		Str("status", string(note.Status)).
		Str("signals", note.Signals.String()).
		Msg("metric alert")
	return nil
}

// Multi 依次调用多个告警器, 汇总错误。
type Multi []Notifier

// Notify 将通知发往全部渠道。
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RenderMessage 生成告警文本。
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[KPI Alert] %s\n", note.Status))
	label := note.MetricKey
	if note.MetricLabel != "" && note.MetricLabel != note.MetricKey {
		label = fmt.Sprintf("%s (%s)", note.MetricLabel, note.MetricKey)
	}
	builder.WriteString(fmt.Sprintf("Metric: %s\n", label))
	if note.Section != "" {
		builder.WriteString(fmt.Sprintf("Section: %s\n", note.Section))
	}
	builder.WriteString(fmt.Sprintf("As of: %s, window %dd\n", note.AsOfDate.Format(kpi.DateLayout), note.WindowDays))
	builder.WriteString(fmt.Sprintf("Value: %s\n", formatValue(note.Value, note.ValueType)))
	if note.LowerThreshold != nil || note.UpperThreshold != nil {
		builder.WriteString(fmt.Sprintf("Bounds: [%s, %s]\n", formatOptional(note.LowerThreshold, 3), formatOptional(note.UpperThreshold, 3)))
	}
	if note.PctChange != nil {
		builder.WriteString(fmt.Sprintf("Change: %s%%\n", note.PctChange.Mul(decimal.NewFromInt(100)).StringFixed(1)))
	}
	if note.SeasonalZScore != nil {
		builder.WriteString(fmt.Sprintf("Seasonal z: %s\n", note.SeasonalZScore.StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("Signals: %s\n", signalsOrDash(note.Signals)))
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func formatValue(v decimal.Decimal, vt kpi.ValueType) string {
	if vt == kpi.ValueRate {
		return v.StringFixed(4)
	}
	return v.StringFixed(0)
}

func formatOptional(v *decimal.Decimal, places int32) string {
	if v == nil {
		return "-"
	}
	return v.StringFixed(places)
}

func signalsOrDash(s threshold.SignalSet) string {
	if s.Len() == 0 {
		return "-"
	}
	return s.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
