package models

import (
	"context"
	"errors"
	"math"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Daily parking rates by vehicle type. Unknown types fall back to the default.
var defaultDailyRates = map[string]int64{
	"Bike":  50,
	"Car":   100,
	"Van":   150,
	"Truck": 200,
	"Bus":   200,
}

const fallbackDailyRate = 100

// ParkingEntry is one ledger record: a vehicle's entry, its exit, and its
// payment. ShiftSessionId is nullable until the router stamps it; once
// stamped it is never silently re-resolved (orphan repair is explicit).
type ParkingEntry struct {
	ID             int    `gorm:"primary_key" json:"id"`
	BusinessId     string `gorm:"size:64;not null;index;index:idx_entry_shift,priority:1" json:"business_id"`
	ShiftSessionId *int   `gorm:"index:idx_entry_shift,priority:2" json:"shift_session_id"`

	TransportName string `gorm:"size:100" json:"transport_name"`
	VehicleType   string `gorm:"size:50;not null" json:"vehicle_type"`
	VehicleNumber string `gorm:"size:50;not null;index" json:"vehicle_number"`
	DriverName    string `gorm:"size:100;default:'N/A'" json:"driver_name"`
	DriverPhone   string `gorm:"size:50;default:'N/A'" json:"driver_phone"`
	Notes         string `gorm:"size:255;default:'N/A'" json:"notes"`

	Status    string     `gorm:"size:20;not null;default:'Parked'" json:"status"`
	EntryTime time.Time  `gorm:"not null;index" json:"entry_time"`
	ExitTime  *time.Time `json:"exit_time"`

	ParkingFee    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"parking_fee"`
	PaymentStatus string          `gorm:"size:20;not null;default:'Unpaid'" json:"payment_status"`
	PaymentType   PaymentType     `gorm:"size:50;default:'N/A'" json:"payment_type"`

	CreatedBy string    `gorm:"size:100;default:'System'" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsPaid reports whether this entry's fee counts toward revenue.
func (e *ParkingEntry) IsPaid() bool {
	return e.PaymentStatus == PaymentStatusPaid
}

// DurationHours measures parked time; open entries measure against now.
func (e *ParkingEntry) DurationHours() float64 {
	end := time.Now()
	if e.ExitTime != nil {
		end = *e.ExitTime
	}
	return end.Sub(e.EntryTime).Hours()
}

// DurationMinutes is DurationHours in minutes, used for the running average.
func (e *ParkingEntry) DurationMinutes() float64 {
	return e.DurationHours() * 60
}

// CalculateFee charges per started day at the vehicle type's daily rate.
func (e *ParkingEntry) CalculateFee() decimal.Decimal {
	end := time.Now()
	if e.ExitTime != nil {
		end = *e.ExitTime
	}
	elapsed := end.Sub(e.EntryTime)
	if elapsed < 0 {
		elapsed = 0
	}
	days := int64(math.Ceil(elapsed.Hours() / 24))
	if days < 1 {
		days = 1
	}

	rate, ok := defaultDailyRates[e.VehicleType]
	if !ok {
		rate = fallbackDailyRate
	}
	return decimal.NewFromInt(days * rate)
}

// IsOverstayed reports whether a still-parked vehicle exceeded maxHours.
func (e *ParkingEntry) IsOverstayed(maxHours float64) bool {
	return e.Status == EntryStatusParked && e.DurationHours() > maxHours
}

// DefaultMaxParkHours is the overstay threshold when the caller gives none.
const DefaultMaxParkHours = 24

// GetOverstayedEntries lists still-parked vehicles older than maxHours,
// oldest first. The gate staff works this list to chase long-stayers.
func GetOverstayedEntries(ctx context.Context, maxHours float64) ([]*ParkingEntry, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if maxHours <= 0 {
		maxHours = DefaultMaxParkHours
	}

	cutoff := time.Now().Add(-time.Duration(maxHours * float64(time.Hour)))
	var parked []*ParkingEntry
	err := db.WithContext(ctx).
		Where("business_id = ? AND status = ? AND entry_time < ?", businessId, EntryStatusParked, cutoff).
		Order("entry_time ASC").
		Find(&parked).Error
	if err != nil {
		return nil, err
	}

	overstayed := make([]*ParkingEntry, 0, len(parked))
	for _, e := range parked {
		if e.IsOverstayed(maxHours) {
			overstayed = append(overstayed, e)
		}
	}
	return overstayed, nil
}

// GetParkingEntry fetches one entry scoped to the caller's business.
func GetParkingEntry(ctx context.Context, id int) (*ParkingEntry, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var entry ParkingEntry
	err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetOrphanParkingEntries lists entries recorded without a shift on the given
// business day (no reassignment happens here; see workflow.RepairOrphanEntries).
func GetOrphanParkingEntries(ctx context.Context, db *gorm.DB, day time.Time) ([]*ParkingEntry, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	var orphans []*ParkingEntry
	err := db.WithContext(ctx).
		Where("business_id = ? AND shift_session_id IS NULL AND entry_time >= ? AND entry_time < ?",
			businessId, dayStart, dayEnd).
		Order("entry_time ASC").
		Find(&orphans).Error
	if err != nil {
		return nil, err
	}
	return orphans, nil
}
