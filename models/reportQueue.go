package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultReportMaxRetries bounds transient report-generation failures before
// a request goes terminal FAILED.
const DefaultReportMaxRetries = 3

// ReportClaimOrder ranks queue rows for claiming: priority, then FIFO.
const ReportClaimOrder = "FIELD(priority, 'URGENT', 'HIGH', 'NORMAL', 'LOW'), requested_at ASC"

// ShiftReportRequest is the durable queue row for one shift's report.
// One row per shift (unique index); re-enqueueing merges instead of duplicating.
// Mutated only by EnqueueShiftReport and the report processor's state machine.
type ShiftReportRequest struct {
	ID             int    `gorm:"primary_key" json:"id"`
	BusinessId     string `gorm:"size:64;not null;index" json:"business_id"`
	ShiftSessionId int    `gorm:"not null;uniqueIndex" json:"shift_session_id"`

	Priority ReportPriority `gorm:"size:20;not null;default:'NORMAL';index" json:"priority"`
	Status   string         `gorm:"size:20;not null;default:'PENDING';index" json:"status"`

	RequestedAt time.Time  `gorm:"not null;index" json:"requested_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	FailedAt    *time.Time `json:"failed_at"`

	RetryCount    int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries    int        `gorm:"not null;default:3" json:"max_retries"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at"`
	ErrorMessage  *string    `gorm:"type:text" json:"error_message"`

	LockedAt *time.Time `gorm:"index" json:"locked_at"`
	LockedBy *string    `gorm:"size:100" json:"locked_by"`

	Metadata []byte `gorm:"type:blob" json:"metadata"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// MergeReportRequest applies re-enqueue semantics onto an existing row:
// priority only ever goes up, and a terminal row (FAILED, or COMPLETED when a
// fresh report is wanted) reopens as PENDING with retries reset.
// Returns false when the merge changes nothing.
func MergeReportRequest(existing *ShiftReportRequest, priority ReportPriority, now time.Time) bool {
	changed := false

	merged := MaxReportPriority(existing.Priority, priority)
	if merged != existing.Priority {
		existing.Priority = merged
		changed = true
	}

	if existing.Status == ReportStatusFailed || existing.Status == ReportStatusCompleted {
		existing.Status = ReportStatusPending
		existing.RetryCount = 0
		existing.ErrorMessage = nil
		existing.FailedAt = nil
		existing.CompletedAt = nil
		existing.StartedAt = nil
		existing.NextAttemptAt = &now
		existing.LockedAt = nil
		existing.LockedBy = nil
		changed = true
	}

	return changed
}

// EnqueueShiftReport inserts or merges the queue row for a shift. An unknown
// shift id is a validation error, never a crash.
func EnqueueShiftReport(ctx context.Context, db *gorm.DB, shiftId int, priority ReportPriority) (*ShiftReportRequest, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !priority.Valid() {
		return nil, errors.New("invalid report priority")
	}

	var shift ShiftSession
	if err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, shiftId).
		First(&shift).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	request := ShiftReportRequest{
		BusinessId:     businessId,
		ShiftSessionId: shiftId,
		Priority:       priority,
		Status:         ReportStatusPending,
		RequestedAt:    now,
		MaxRetries:     DefaultReportMaxRetries,
		NextAttemptAt:  &now,
	}

	err := db.WithContext(ctx).Create(&request).Error
	if err == nil {
		return &request, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, err
	}

	// Row exists for this shift: merge under the row lock so a concurrent
	// processor claim and a re-enqueue serialize on the same row.
	var merged *ShiftReportRequest
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ShiftReportRequest
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("shift_session_id = ?", shiftId).
			First(&existing).Error; err != nil {
			return err
		}
		if !MergeReportRequest(&existing, priority, now) {
			merged = &existing
			return nil
		}
		if err := tx.Model(&ShiftReportRequest{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"priority":        existing.Priority,
				"status":          existing.Status,
				"retry_count":     existing.RetryCount,
				"error_message":   existing.ErrorMessage,
				"failed_at":       existing.FailedAt,
				"completed_at":    existing.CompletedAt,
				"started_at":      existing.StartedAt,
				"next_attempt_at": existing.NextAttemptAt,
				"locked_at":       existing.LockedAt,
				"locked_by":       existing.LockedBy,
			}).Error; err != nil {
			return err
		}
		merged = &existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// ReportQueueStatus aggregates queue health for operator tooling.
type ReportQueueStatus struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`

	OldestPendingAgeSeconds *float64              `json:"oldest_pending_age_seconds"`
	ActiveRequests          []*ShiftReportRequest `json:"active_requests"`
}

// GetReportQueueStatus returns per-state counts, the age of the oldest
// pending request, and the non-terminal rows in claim order.
func GetReportQueueStatus(ctx context.Context) (*ReportQueueStatus, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	status := &ReportQueueStatus{}

	type stateCount struct {
		Status string
		Total  int64
	}
	var counts []stateCount
	err := db.WithContext(ctx).Model(&ShiftReportRequest{}).
		Select("status, COUNT(*) AS total").
		Where("business_id = ?", businessId).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		switch c.Status {
		case ReportStatusPending:
			status.Pending = c.Total
		case ReportStatusProcessing:
			status.Processing = c.Total
		case ReportStatusCompleted:
			status.Completed = c.Total
		case ReportStatusFailed:
			status.Failed = c.Total
		}
	}

	var oldest ShiftReportRequest
	err = db.WithContext(ctx).
		Where("business_id = ? AND status = ?", businessId, ReportStatusPending).
		Order("requested_at ASC").
		First(&oldest).Error
	if err == nil {
		age := time.Since(oldest.RequestedAt).Seconds()
		status.OldestPendingAgeSeconds = &age
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = db.WithContext(ctx).
		Where("business_id = ? AND status IN ?", businessId, []string{ReportStatusPending, ReportStatusProcessing}).
		Order(ReportClaimOrder).
		Find(&status.ActiveRequests).Error
	if err != nil {
		return nil, err
	}

	return status, nil
}

// SortReportRequests orders rows the way the claim query does: priority rank
// descending, then requested_at ascending. Used where rows are already in
// memory (status listings assembled from multiple sources, tests).
func SortReportRequests(requests []*ShiftReportRequest) {
	sort.SliceStable(requests, func(i, j int) bool {
		wi, wj := requests[i].Priority.Weight(), requests[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return requests[i].RequestedAt.Before(requests[j].RequestedAt)
	})
}
