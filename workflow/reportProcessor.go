package workflow

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/models"
	"bitbucket.org/mmdatafocus/parking_backend/notify"
	"bitbucket.org/mmdatafocus/parking_backend/reportgen"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ShiftReportProcessor drains the shift report queue. Multiple instances may
// run against the same database; claiming uses row locks with SKIP LOCKED so
// each request is processed by exactly one worker at a time. A worker that
// dies mid-request leaves a PROCESSING row whose lock expires after LockTTL,
// after which any worker may reclaim it.
type ShiftReportProcessor struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Publisher notify.Publisher
	Generator reportgen.Generator
	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewShiftReportProcessor(db *gorm.DB, logger *logrus.Logger, pub notify.Publisher, gen reportgen.Generator) *ShiftReportProcessor {
	p := &ShiftReportProcessor{
		DB:        db,
		Logger:    logger,
		Publisher: pub,
		Generator: gen,
		WorkerID:  "report-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 10,
		Interval:  2 * time.Second,
		LockTTL:   5 * time.Minute,
	}
	if v := os.Getenv("REPORT_QUEUE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.BatchSize = n
		}
	}
	if v := os.Getenv("REPORT_QUEUE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Interval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("REPORT_QUEUE_LOCK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.LockTTL = time.Duration(n) * time.Second
		}
	}
	return p
}

type reportRetryConfig struct {
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getReportRetryConfig() reportRetryConfig {
	cfg := reportRetryConfig{
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}
	if v := os.Getenv("REPORT_RETRY_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("REPORT_RETRY_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}
	return cfg
}

// reportRetryBackoff grows base * 2^(attempt-1), capped.
func reportRetryBackoff(attempt int, cfg reportRetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.baseBackoff
	}
	exp := float64(attempt - 1)
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, exp))
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

func (p *ShiftReportProcessor) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// ProcessOnce claims and processes one batch.
func (p *ShiftReportProcessor) ProcessOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.ShiftReportRequest
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where(
				"(status = ? AND retry_count < max_retries AND (next_attempt_at IS NULL OR next_attempt_at <= ?))"+
					" OR (status = ? AND locked_at IS NOT NULL AND locked_at <= ?)",
				models.ReportStatusPending, now,
				models.ReportStatusProcessing, staleBefore,
			).
			Order(models.ReportClaimOrder).
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].Status = models.ReportStatusProcessing
			claimed[i].StartedAt = &now
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &p.WorkerID
			if err := tx.Model(&models.ShiftReportRequest{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"status":     models.ReportStatusProcessing,
					"started_at": claimed[i].StartedAt,
					"locked_at":  claimed[i].LockedAt,
					"locked_by":  claimed[i].LockedBy,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		if err != nil && p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":     "ShiftReportProcessor",
				"worker_id": p.WorkerID,
			}).Error("claim failed: " + err.Error())
		}
		return
	}

	for _, rec := range claimed {
		procCtx := utils.SetBusinessIdInContext(ctx, rec.BusinessId)
		procCtx = utils.SetUserNameInContext(procCtx, "System")

		result := p.generateOne(procCtx, rec)
		switch result.Outcome {
		case reportgen.OutcomeOk:
			p.markSuccess(ctx, rec, result)
		case reportgen.OutcomeFatal:
			p.markFailure(ctx, rec, result.ErrorMessage, true)
		default:
			p.markFailure(ctx, rec, result.ErrorMessage, false)
		}
	}
}

// generateOne runs the generator with a span and a panic guard, so one bad
// request cannot take the worker loop down with it.
func (p *ShiftReportProcessor) generateOne(ctx context.Context, rec models.ShiftReportRequest) (result reportgen.Result) {
	var span trace.Span
	ctx, span = otel.Tracer("report-queue").Start(ctx, "GenerateShiftReport")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			result = reportgen.Retry(fmt.Errorf("report generation panic: %v", r))
			span.RecordError(fmt.Errorf("panic: %v", r))
		}
	}()
	result = p.Generator.Generate(ctx, rec.ShiftSessionId)
	return result
}

func (p *ShiftReportProcessor) markSuccess(ctx context.Context, rec models.ShiftReportRequest, result reportgen.Result) {
	now := time.Now().UTC()
	err := p.DB.WithContext(ctx).Model(&models.ShiftReportRequest{}).
		Where("id = ? AND status = ?", rec.ID, models.ReportStatusProcessing).
		Updates(map[string]interface{}{
			"status":          models.ReportStatusCompleted,
			"completed_at":    &now,
			"next_attempt_at": nil,
			"error_message":   nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	if err != nil && p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":      "ShiftReportProcessor",
			"request_id": rec.ID,
			"shift_id":   rec.ShiftSessionId,
		}).Error("mark completed failed: " + err.Error())
		return
	}

	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":       "ShiftReportProcessor",
			"business_id": rec.BusinessId,
			"request_id":  rec.ID,
			"shift_id":    rec.ShiftSessionId,
			"priority":    rec.Priority,
			"worker_id":   p.WorkerID,
		}).Info("shift report generated")
	}

	notify.PublishAsync(p.Logger, p.Publisher, notify.TopicShiftReportGenerated, notify.ReportMessage{
		ShiftId:    rec.ShiftSessionId,
		Success:    true,
		ReportData: result.ReportData,
		Timestamp:  now,
	})
}

// markFailure retries with backoff until the attempt budget runs out, then
// parks the row as FAILED and alerts. Fatal failures skip the retry budget.
func (p *ShiftReportProcessor) markFailure(ctx context.Context, rec models.ShiftReportRequest, errMsg string, fatal bool) {
	cfg := getReportRetryConfig()
	now := time.Now().UTC()

	attempts := rec.RetryCount + 1
	status := models.ReportStatusPending
	var nextAttemptAt *time.Time
	var failedAt *time.Time
	if fatal || attempts >= rec.MaxRetries {
		status = models.ReportStatusFailed
		failedAt = &now
	} else {
		t := now.Add(reportRetryBackoff(attempts, cfg))
		nextAttemptAt = &t
	}

	err := p.DB.WithContext(ctx).Model(&models.ShiftReportRequest{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":          status,
			"retry_count":     attempts,
			"error_message":   &errMsg,
			"failed_at":       failedAt,
			"next_attempt_at": nextAttemptAt,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	if err != nil && p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":      "ShiftReportProcessor",
			"request_id": rec.ID,
			"shift_id":   rec.ShiftSessionId,
		}).Error("mark failure failed: " + err.Error())
	}

	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":       "ShiftReportProcessor",
			"business_id": rec.BusinessId,
			"request_id":  rec.ID,
			"shift_id":    rec.ShiftSessionId,
			"status":      status,
			"retry_count": attempts,
			"worker_id":   p.WorkerID,
		}).Error("shift report generation failed: " + errMsg)
	}

	// Intermediate failures stay internal; only the terminal failure alerts.
	if status == models.ReportStatusFailed {
		notify.PublishAsync(p.Logger, p.Publisher, notify.TopicShiftReportFailed, notify.ReportMessage{
			ShiftId:   rec.ShiftSessionId,
			Success:   false,
			Error:     errMsg,
			Timestamp: now,
		})
	}
}
