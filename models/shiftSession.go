package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ShiftSession holds the live operational counters for one operating shift.
//
// Counters are derived data: the authoritative ledger is parking_entries,
// and RecalcShiftStatistics can rebuild this row wholesale at any time.
type ShiftSession struct {
	ID           int         `gorm:"primary_key" json:"id"`
	BusinessId   string      `gorm:"size:64;not null;index;index:idx_shift_active,priority:1" json:"business_id"`
	EmployeeName string      `gorm:"size:100;not null" json:"employee_name"`
	Status       ShiftStatus `gorm:"size:20;not null;default:'ACTIVE';index:idx_shift_active,priority:2" json:"status"`
	StartTime    time.Time   `gorm:"not null;index" json:"start_time"`
	EndTime      *time.Time  `json:"end_time"`

	VehiclesEntered int `gorm:"not null;default:0" json:"vehicles_entered"`
	VehiclesExited  int `gorm:"not null;default:0" json:"vehicles_exited"`
	CurrentlyParked int `gorm:"not null;default:0" json:"currently_parked"`

	TotalRevenue       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_revenue"`
	CashCollected      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cash_collected"`
	DigitalCollected   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"digital_collected"`
	AverageTransaction decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"average_transaction"`

	AverageDurationMinutes float64 `gorm:"not null;default:0" json:"average_duration_minutes"`

	// Metadata carries per-vehicle-type and per-payment-mode breakdowns as JSON.
	Metadata []byte `gorm:"type:blob" json:"metadata"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewShiftSession struct {
	EmployeeName string     `json:"employee_name" binding:"required"`
	StartTime    *time.Time `json:"start_time"`
}

// Meta decodes the metadata blob. A nil/empty blob decodes to an empty map.
func (s *ShiftSession) Meta() map[string]any {
	m := map[string]any{}
	if len(s.Metadata) > 0 {
		_ = json.Unmarshal(s.Metadata, &m)
	}
	return m
}

// SetMeta re-encodes the metadata blob.
func (s *ShiftSession) SetMeta(m map[string]any) {
	if len(m) == 0 {
		s.Metadata = nil
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	s.Metadata = b
}

// BumpMetaCount increments an integer tally under a nested metadata group,
// e.g. BumpMetaCount("vehicle_types", "Truck", 1).
func (s *ShiftSession) BumpMetaCount(group, key string, delta int) {
	m := s.Meta()
	sub, _ := m[group].(map[string]any)
	if sub == nil {
		sub = map[string]any{}
	}
	current := 0
	switch v := sub[key].(type) {
	case float64:
		current = int(v)
	case int:
		current = v
	}
	sub[key] = current + delta
	m[group] = sub
	s.SetMeta(m)
}

// DurationHours measures the shift length; open shifts measure against now.
func (s *ShiftSession) DurationHours() float64 {
	end := time.Now()
	if s.EndTime != nil {
		end = *s.EndTime
	}
	return end.Sub(s.StartTime).Hours()
}

// CreateShiftSession opens a new shift. At most one shift may be ACTIVE per
// business at a time; opening while another is active is a validation error.
func CreateShiftSession(ctx context.Context, input *NewShiftSession) (*ShiftSession, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	start := time.Now()
	if input.StartTime != nil {
		start = *input.StartTime
	}

	session := ShiftSession{
		BusinessId:   businessId,
		EmployeeName: input.EmployeeName,
		Status:       ShiftStatusActive,
		StartTime:    start,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&ShiftSession{}).
			Where("business_id = ? AND status = ?", businessId, ShiftStatusActive).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return errors.New("another shift is still active")
		}
		return tx.Create(&session).Error
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetShiftSession fetches one session scoped to the caller's business.
func GetShiftSession(ctx context.Context, id int) (*ShiftSession, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var session ShiftSession
	err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetActiveShiftSession resolves "the current active shift": the most
// recently started ACTIVE session. Always a fresh query, never cached, so a
// restart or handover cannot leave a stale binding.
func GetActiveShiftSession(ctx context.Context, db *gorm.DB) (*ShiftSession, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var session ShiftSession
	err := db.WithContext(ctx).
		Where("business_id = ? AND status = ?", businessId, ShiftStatusActive).
		Order("start_time DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorNoActiveShift
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}
