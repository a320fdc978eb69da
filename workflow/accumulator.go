package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/models"
	"bitbucket.org/mmdatafocus/parking_backend/notify"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventResult is the structured outcome of one inbound domain event.
// A malformed or inapplicable event reports Success=false with a message
// rather than an error, so one bad event can never crash the router.
type EventResult struct {
	Success bool                 `json:"success"`
	Message string               `json:"message"`
	Session *models.ShiftSession `json:"session,omitempty"`
	Entry   *models.ParkingEntry `json:"entry,omitempty"`
	FeeDue  *decimal.Decimal     `json:"fee_due,omitempty"`
}

// NewParkingEntry is the inbound VehicleEntered event.
type NewParkingEntry struct {
	TransportName string     `json:"transport_name"`
	VehicleType   string     `json:"vehicle_type" binding:"required"`
	VehicleNumber string     `json:"vehicle_number" binding:"required"`
	DriverName    string     `json:"driver_name"`
	DriverPhone   string     `json:"driver_phone"`
	Notes         string     `json:"notes"`
	EntryTime     *time.Time `json:"entry_time"`
	CreatedBy     string     `json:"created_by"`
}

// PaymentChange captures the before/after of one payment mutation,
// the inputs to the revenue delta.
type PaymentChange struct {
	WasPaid     bool
	PriorAmount decimal.Decimal
	PriorMode   models.PaymentType

	Paid   bool
	Amount decimal.Decimal
	Mode   models.PaymentType
}

// ApplyEntryDelta mutates the session counters for one vehicle entry.
func ApplyEntryDelta(s *models.ShiftSession, vehicleType string) {
	s.VehiclesEntered++
	s.CurrentlyParked++
	if vehicleType != "" {
		s.BumpMetaCount("vehicle_types", vehicleType, 1)
	}
}

// ApplyExitDelta mutates the session counters for one vehicle exit.
// currently_parked clamps at zero (manual corrections can skew the ledger).
// The duration average uses the incremental mean over exited vehicles.
func ApplyExitDelta(s *models.ShiftSession, durationMinutes float64) {
	s.VehiclesExited++
	if s.CurrentlyParked > 0 {
		s.CurrentlyParked--
	}

	n := float64(s.VehiclesExited)
	s.AverageDurationMinutes = (s.AverageDurationMinutes*(n-1) + durationMinutes) / n
}

// ApplyPaymentDelta mutates the revenue counters for one payment change and
// reports whether anything changed. The previously counted amount migrates
// fully out of its old bucket and the newly counted amount into the new one,
// so total_revenue always equals cash_collected + digital_collected.
func ApplyPaymentDelta(s *models.ShiftSession, ch PaymentChange) bool {
	prevCounted := decimal.Zero
	if ch.WasPaid {
		prevCounted = ch.PriorAmount
	}
	newCounted := decimal.Zero
	if ch.Paid {
		newCounted = ch.Amount
	}

	revenueChange := newCounted.Sub(prevCounted)
	modeChanged := ch.WasPaid && ch.Paid && ch.PriorMode != ch.Mode
	if revenueChange.IsZero() && !modeChanged && ch.WasPaid == ch.Paid {
		return false
	}

	if ch.WasPaid {
		if ch.PriorMode.IsDigital() {
			s.DigitalCollected = s.DigitalCollected.Sub(prevCounted)
		} else {
			s.CashCollected = s.CashCollected.Sub(prevCounted)
		}
		s.BumpMetaCount("payment_modes", string(ch.PriorMode), -1)
	}
	if ch.Paid {
		if ch.Mode.IsDigital() {
			s.DigitalCollected = s.DigitalCollected.Add(newCounted)
		} else {
			s.CashCollected = s.CashCollected.Add(newCounted)
		}
		s.BumpMetaCount("payment_modes", string(ch.Mode), 1)
	}

	s.TotalRevenue = s.TotalRevenue.Add(revenueChange)

	paidDelta := 0
	if ch.Paid && !ch.WasPaid {
		paidDelta = 1
	} else if !ch.Paid && ch.WasPaid {
		paidDelta = -1
	}
	if paidDelta != 0 {
		s.BumpMetaCount("payments", "paid_count", paidDelta)
	}
	if paidCount := metaPaidCount(s); paidCount > 0 {
		s.AverageTransaction = s.TotalRevenue.Div(decimal.NewFromInt(int64(paidCount))).Round(4)
	} else {
		s.AverageTransaction = decimal.Zero
	}

	return true
}

func metaPaidCount(s *models.ShiftSession) int {
	m := s.Meta()
	sub, _ := m["payments"].(map[string]any)
	if sub == nil {
		return 0
	}
	switch v := sub["paid_count"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// lockSession re-reads the whole session row under a row lock so concurrent
// writers to the same shift serialize. Every delta is a whole-row
// read-modify-write; partial-field compare-and-swap is deliberately not used.
func lockSession(tx *gorm.DB, sessionId int) (*models.ShiftSession, error) {
	var session models.ShiftSession
	err := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", sessionId).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func saveSessionCounters(tx *gorm.DB, s *models.ShiftSession) error {
	return tx.Model(&models.ShiftSession{}).
		Where("id = ?", s.ID).
		Updates(map[string]interface{}{
			"vehicles_entered":         s.VehiclesEntered,
			"vehicles_exited":          s.VehiclesExited,
			"currently_parked":         s.CurrentlyParked,
			"total_revenue":            s.TotalRevenue,
			"cash_collected":           s.CashCollected,
			"digital_collected":        s.DigitalCollected,
			"average_transaction":      s.AverageTransaction,
			"average_duration_minutes": s.AverageDurationMinutes,
			"metadata":                 s.Metadata,
		}).Error
}

// RecordVehicleEntry handles a VehicleEntered event: it creates the ledger
// record, stamps it with the currently active shift (resolved once, now),
// and applies the entry delta in the same transaction as the entry insert.
func RecordVehicleEntry(ctx context.Context, logger *logrus.Logger, pub notify.Publisher, input *NewParkingEntry) (*EventResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if input.VehicleNumber == "" {
		return &EventResult{Success: false, Message: "vehicle number is required"}, nil
	}
	if err := utils.ValidatePhoneNumber(input.DriverPhone); err != nil {
		return &EventResult{Success: false, Message: "invalid driver phone: " + err.Error()}, nil
	}

	entryTime := time.Now()
	if input.EntryTime != nil {
		entryTime = *input.EntryTime
	}
	createdBy := input.CreatedBy
	if createdBy == "" {
		if name, ok := utils.GetUserNameFromContext(ctx); ok {
			createdBy = name
		} else {
			createdBy = "System"
		}
	}

	entry := models.ParkingEntry{
		BusinessId:    businessId,
		TransportName: input.TransportName,
		VehicleType:   input.VehicleType,
		VehicleNumber: utils.NormalizeVehicleNumber(input.VehicleNumber),
		DriverName:    orNA(input.DriverName),
		DriverPhone:   orNA(input.DriverPhone),
		Notes:         orNA(input.Notes),
		Status:        models.EntryStatusParked,
		EntryTime:     entryTime,
		PaymentStatus: models.PaymentStatusUnpaid,
		PaymentType:   models.PaymentTypeNone,
		CreatedBy:     createdBy,
	}

	var session *models.ShiftSession
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		active, err := models.GetActiveShiftSession(ctx, tx)
		if err != nil && !errors.Is(err, utils.ErrorNoActiveShift) {
			return err
		}
		if active != nil {
			entry.ShiftSessionId = &active.ID
		}

		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		// No active shift: the entry is accumulated unassigned and picked
		// up later by RepairOrphanEntries.
		if active == nil {
			return nil
		}

		session, err = lockSession(tx, active.ID)
		if err != nil {
			return err
		}
		ApplyEntryDelta(session, entry.VehicleType)
		return saveSessionCounters(tx, session)
	})
	if err != nil {
		config.LogError(logger, "accumulator.go", "RecordVehicleEntry", "applying entry delta", input, err)
		return nil, err
	}

	if session != nil {
		cacheStatsSnapshot(businessId, session)
		notify.PublishAsync(logger, pub, notify.TopicShiftStatisticsUpdated, notify.StatisticsMessage{
			Type:          notify.TypeVehicleEntry,
			ShiftId:       session.ID,
			CorrelationId: correlationId(ctx),
			Fields: map[string]any{
				"vehicle_number": entry.VehicleNumber,
				"vehicle_type":   entry.VehicleType,
			},
			Snapshot:  session,
			Timestamp: time.Now().UTC(),
		})
		return &EventResult{Success: true, Message: "entry recorded", Session: session, Entry: &entry}, nil
	}
	return &EventResult{Success: true, Message: "entry recorded without an active shift", Entry: &entry}, nil
}

// RecordVehicleExit handles a VehicleExited event. The exit delta fires only
// on the first transition into "has exit time"; a repeated exit is a no-op.
// An exit time earlier than the entry time is rejected so a backdated event
// can never feed a negative duration into the running average.
func RecordVehicleExit(ctx context.Context, logger *logrus.Logger, pub notify.Publisher, entryId int, exitTime time.Time) (*EventResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var (
		session   *models.ShiftSession
		entry     models.ParkingEntry
		duplicate bool
		backdated bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND id = ?", businessId, entryId).
			First(&entry).Error
		if err != nil {
			return err
		}
		if entry.ExitTime != nil {
			duplicate = true
			return nil
		}
		if exitTime.Before(entry.EntryTime) {
			backdated = true
			return nil
		}

		if err := tx.Model(&models.ParkingEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"exit_time": exitTime,
				"status":    models.EntryStatusExited,
			}).Error; err != nil {
			return err
		}
		entry.ExitTime = &exitTime
		entry.Status = models.EntryStatusExited

		// Deltas target the shift stamped at entry time, never re-resolved.
		if entry.ShiftSessionId == nil {
			return nil
		}
		session, err = lockSession(tx, *entry.ShiftSessionId)
		if err != nil {
			return err
		}
		if session.Status != models.ShiftStatusActive {
			// Terminal sessions are read-only; the reconciler repairs drift.
			session = nil
			return nil
		}
		ApplyExitDelta(session, exitTime.Sub(entry.EntryTime).Minutes())
		return saveSessionCounters(tx, session)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &EventResult{Success: false, Message: "parking entry not found"}, nil
	}
	if err != nil {
		config.LogError(logger, "accumulator.go", "RecordVehicleExit", "applying exit delta", entryId, err)
		return nil, err
	}
	if duplicate {
		return &EventResult{Success: true, Message: "exit already recorded", Entry: &entry}, nil
	}
	if backdated {
		return &EventResult{Success: false, Message: "exit time precedes entry time"}, nil
	}

	// Unpaid exits carry a fee quote so the gate can collect on the spot.
	var feeDue *decimal.Decimal
	if !entry.IsPaid() {
		fee := entry.CalculateFee()
		feeDue = &fee
	}

	if session != nil {
		cacheStatsSnapshot(businessId, session)
		notify.PublishAsync(logger, pub, notify.TopicShiftStatisticsUpdated, notify.StatisticsMessage{
			Type:          notify.TypeVehicleExit,
			ShiftId:       session.ID,
			CorrelationId: correlationId(ctx),
			Fields: map[string]any{
				"vehicle_number": entry.VehicleNumber,
				"exit_time":      exitTime,
			},
			Snapshot:  session,
			Timestamp: time.Now().UTC(),
		})
	}
	return &EventResult{Success: true, Message: "exit recorded", Session: session, Entry: &entry, FeeDue: feeDue}, nil
}

// RecordPayment handles a PaymentRecorded event, including corrections: a
// paid amount or mode change migrates the previously counted amount out and
// the new amount in. A no-op change writes nothing. A zero amount charges
// the computed stay fee (per started day at the vehicle type's daily rate).
func RecordPayment(ctx context.Context, logger *logrus.Logger, pub notify.Publisher, entryId int, amount decimal.Decimal, mode models.PaymentType) (*EventResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if amount.IsNegative() {
		return &EventResult{Success: false, Message: "payment amount cannot be negative"}, nil
	}
	if mode != models.PaymentTypeCash && !mode.IsDigital() {
		return &EventResult{Success: false, Message: "unknown payment mode"}, nil
	}

	var (
		session *models.ShiftSession
		entry   models.ParkingEntry
		noop    bool
		changed bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND id = ?", businessId, entryId).
			First(&entry).Error
		if err != nil {
			return err
		}

		if amount.IsZero() {
			amount = entry.CalculateFee()
		}

		if entry.IsPaid() && entry.ParkingFee.Equal(amount) && entry.PaymentType == mode {
			noop = true
			return nil
		}

		change := PaymentChange{
			WasPaid:     entry.IsPaid(),
			PriorAmount: entry.ParkingFee,
			PriorMode:   entry.PaymentType,
			Paid:        true,
			Amount:      amount,
			Mode:        mode,
		}

		if err := tx.Model(&models.ParkingEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]interface{}{
				"parking_fee":    amount,
				"payment_status": models.PaymentStatusPaid,
				"payment_type":   mode,
			}).Error; err != nil {
			return err
		}
		entry.ParkingFee = amount
		entry.PaymentStatus = models.PaymentStatusPaid
		entry.PaymentType = mode

		if entry.ShiftSessionId == nil {
			return nil
		}
		session, err = lockSession(tx, *entry.ShiftSessionId)
		if err != nil {
			return err
		}
		if session.Status != models.ShiftStatusActive {
			session = nil
			return nil
		}
		changed = ApplyPaymentDelta(session, change)
		if !changed {
			session = nil
			return nil
		}
		return saveSessionCounters(tx, session)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &EventResult{Success: false, Message: "parking entry not found"}, nil
	}
	if err != nil {
		config.LogError(logger, "accumulator.go", "RecordPayment", "applying payment delta", entryId, err)
		return nil, err
	}
	if noop {
		return &EventResult{Success: true, Message: "payment unchanged", Entry: &entry}, nil
	}

	if session != nil {
		cacheStatsSnapshot(businessId, session)
		notify.PublishAsync(logger, pub, notify.TopicShiftStatisticsUpdated, notify.StatisticsMessage{
			Type:          notify.TypePaymentUpdate,
			ShiftId:       session.ID,
			CorrelationId: correlationId(ctx),
			Fields: map[string]any{
				"vehicle_number": entry.VehicleNumber,
				"amount":         amount,
				"payment_mode":   mode,
			},
			Snapshot:  session,
			Timestamp: time.Now().UTC(),
		})
		return &EventResult{Success: true, Message: "payment recorded", Session: session, Entry: &entry}, nil
	}
	return &EventResult{Success: true, Message: "payment recorded; counters unchanged", Entry: &entry}, nil
}

func orNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

// StatsSnapshotKey is where the latest counter snapshot per business lives in
// redis. Reconnecting dashboard clients read it to catch up before resuming
// the live notification stream.
func StatsSnapshotKey(businessId string) string {
	return "ShiftStats:" + businessId
}

// cacheStatsSnapshot is best-effort; a redis outage never fails the event.
// Only ACTIVE sessions are cached: the key serves the active shift's
// counters, and recalculating an ended shift must not shadow them.
func cacheStatsSnapshot(businessId string, s *models.ShiftSession) {
	if !snapshotCacheable(s) {
		return
	}
	_ = config.SetRedisObject(StatsSnapshotKey(businessId), s, time.Hour)
}

func snapshotCacheable(s *models.ShiftSession) bool {
	return s != nil && s.Status == models.ShiftStatusActive
}

func correlationId(ctx context.Context) string {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	return cid
}
