package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// ArchiveConfig controls the daily archive job.
type ArchiveConfig struct {
	Prefix string // key prefix, default "archive"
	// Schedule is a cron expression evaluated in Location. Default "30 0 * * *".
	Schedule string
	Location *time.Location
	// Payloads above MultipartThreshold bytes go through the multipart
	// uploader.
	MultipartThreshold int64
}

func (c ArchiveConfig) withDefaults() ArchiveConfig {
	if c.Prefix == "" {
		c.Prefix = "archive"
	}
	if c.Schedule == "" {
		c.Schedule = "30 0 * * *"
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = 16 * 1024 * 1024
	}
	return c
}

// Archiver copies one trading day of executions and reconciliation results
// to object storage as JSONL, one object per kind and day. Objects that
// already exist are left alone, so a rerun of the same day is a no-op.
// Records are never deleted from the primary store here.
type Archiver struct {
	cfg        ArchiveConfig
	writer     domain.BlobWriter
	reader     domain.BlobReader
	executions domain.ExecutionStore
	recon      domain.ReconciliationStore
	audit      domain.AuditStore
	logger     *slog.Logger
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(cfg ArchiveConfig, writer domain.BlobWriter, reader domain.BlobReader,
	executions domain.ExecutionStore, recon domain.ReconciliationStore, audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		cfg:        cfg.withDefaults(),
		writer:     writer,
		reader:     reader,
		executions: executions,
		recon:      recon,
		audit:      audit,
		logger:     logger.With(slog.String("component", "archiver")),
	}
}

// dayBounds returns [start, end) of day's calendar date in loc.
func dayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	d := day.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// archivePath is <prefix>/<kind>/YYYY/MM/DD.jsonl.
func archivePath(prefix, kind string, day time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, kind, day.Format("2006/01/02"))
}

type executionRecord struct {
	ID              string          `json:"id"`
	Operation       string          `json:"operation"`
	OrderID         string          `json:"order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	PositionID      string          `json:"position_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side,omitempty"`
	Type            string          `json:"type,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	Status          string          `json:"status,omitempty"`
	LatencyMS       int64           `json:"latency_ms"`
	Attempts        int             `json:"attempts"`
	Success         bool            `json:"success"`
	Error           string          `json:"error,omitempty"`
	RecordedAt      time.Time       `json:"recorded_at"`
}

type reconciliationRecord struct {
	ID                string          `json:"id"`
	RunID             string          `json:"run_id"`
	PositionID        string          `json:"position_id,omitempty"`
	Symbol            string          `json:"symbol"`
	Type              string          `json:"type"`
	LocalQuantity     decimal.Decimal `json:"local_quantity"`
	ExchangeQuantity  decimal.Decimal `json:"exchange_quantity"`
	Magnitude         decimal.Decimal `json:"magnitude"`
	CorrectionApplied bool            `json:"correction_applied"`
	Correction        string          `json:"correction,omitempty"`
	NeedsReview       bool            `json:"needs_review"`
	Critical          bool            `json:"critical"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ArchiveExecutions uploads the executions recorded on day.
func (a *Archiver) ArchiveExecutions(ctx context.Context, day time.Time) (int64, error) {
	start, end := dayBounds(day, a.cfg.Location)
	rows, err := a.executions.ListBetween(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	recs := make([]executionRecord, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, executionRecord{
			ID:              r.ID,
			Operation:       r.Operation,
			OrderID:         r.Order.ID,
			ExchangeOrderID: r.Order.ExchangeOrderID,
			ClientOrderID:   r.Order.ClientOrderID,
			PositionID:      r.Order.PositionID,
			Symbol:          r.Order.Symbol,
			Side:            string(r.Order.Side),
			Type:            string(r.Order.Type),
			Quantity:        r.Order.Quantity,
			FilledQty:       r.Order.FilledQty,
			AvgFillPrice:    r.Order.AvgFillPrice,
			Status:          string(r.Order.Status),
			LatencyMS:       r.Latency.Milliseconds(),
			Attempts:        r.Attempts,
			Success:         r.Success,
			Error:           r.Error,
			RecordedAt:      r.RecordedAt,
		})
	}
	return upload(ctx, a, "executions", start, recs)
}

// ArchiveReconciliations uploads the reconciliation results created on day.
func (a *Archiver) ArchiveReconciliations(ctx context.Context, day time.Time) (int64, error) {
	start, end := dayBounds(day, a.cfg.Location)
	rows, err := a.recon.ListResultsBetween(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive reconciliations query: %w", err)
	}
	recs := make([]reconciliationRecord, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, reconciliationRecord{
			ID:                r.ID,
			RunID:             r.RunID,
			PositionID:        r.PositionID,
			Symbol:            r.Symbol,
			Type:              string(r.Type),
			LocalQuantity:     r.LocalQuantity,
			ExchangeQuantity:  r.ExchangeQuantity,
			Magnitude:         r.Magnitude,
			CorrectionApplied: r.CorrectionApplied,
			Correction:        r.Correction,
			NeedsReview:       r.NeedsReview,
			Critical:          r.Critical,
			CreatedAt:         r.CreatedAt,
		})
	}
	return upload(ctx, a, "reconciliations", start, recs)
}

func upload[T any](ctx context.Context, a *Archiver, kind string, day time.Time, recs []T) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	path := archivePath(a.cfg.Prefix, kind, day)
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if exists {
			a.logger.InfoContext(ctx, "archive already present", slog.String("path", path))
			return 0, nil
		}
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	if int64(len(buf)) > a.cfg.MultipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(recs))
	a.logger.InfoContext(ctx, "archived",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int("bytes", len(buf)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":  path,
			"count": count,
			"day":   day.Format(time.DateOnly),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// RunDay archives both kinds for day. A failure in one kind does not skip
// the other.
func (a *Archiver) RunDay(ctx context.Context, day time.Time) error {
	var firstErr error
	if _, err := a.ArchiveExecutions(ctx, day); err != nil {
		a.logger.ErrorContext(ctx, "archive executions failed", slog.String("error", err.Error()))
		firstErr = err
	}
	if _, err := a.ArchiveReconciliations(ctx, day); err != nil {
		a.logger.ErrorContext(ctx, "archive reconciliations failed", slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start archives the previous day on the configured schedule until ctx is
// done.
func (a *Archiver) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(a.cfg.Location))
	if _, err := c.AddFunc(a.cfg.Schedule, func() {
		_ = a.RunDay(ctx, time.Now().In(a.cfg.Location).AddDate(0, 0, -1))
	}); err != nil {
		return fmt.Errorf("s3blob: archive schedule %q: %w", a.cfg.Schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
