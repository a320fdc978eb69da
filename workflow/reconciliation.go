package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/models"
	"bitbucket.org/mmdatafocus/parking_backend/notify"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ledgerAggregate is one full pass over a shift's parking_entries.
type ledgerAggregate struct {
	VehiclesEntered      int
	VehiclesExited       int
	CashCollected        decimal.Decimal
	DigitalCollected     decimal.Decimal
	PaidCount            int
	TotalDurationMinutes float64
}

// rebuildSessionCounters recomputes every counter of a session from its full
// entry ledger, discarding whatever the incremental deltas left behind. It is
// deterministic: the same ledger always produces the same counters, so
// running it twice changes nothing. The caller persists the result.
func rebuildSessionCounters(session *models.ShiftSession, entries []*models.ParkingEntry) {
	agg := ledgerAggregate{
		CashCollected:    decimal.Zero,
		DigitalCollected: decimal.Zero,
	}
	vehicleTypes := map[string]any{}
	paymentModes := map[string]any{}
	for _, e := range entries {
		agg.VehiclesEntered++
		if e.VehicleType != "" {
			n, _ := vehicleTypes[e.VehicleType].(int)
			vehicleTypes[e.VehicleType] = n + 1
		}
		if e.ExitTime != nil {
			agg.VehiclesExited++
			agg.TotalDurationMinutes += e.ExitTime.Sub(e.EntryTime).Minutes()
		}
		if e.IsPaid() {
			agg.PaidCount++
			n, _ := paymentModes[string(e.PaymentType)].(int)
			paymentModes[string(e.PaymentType)] = n + 1
			if e.PaymentType.IsDigital() {
				agg.DigitalCollected = agg.DigitalCollected.Add(e.ParkingFee)
			} else {
				agg.CashCollected = agg.CashCollected.Add(e.ParkingFee)
			}
		}
	}

	session.VehiclesEntered = agg.VehiclesEntered
	session.VehiclesExited = agg.VehiclesExited
	session.CurrentlyParked = agg.VehiclesEntered - agg.VehiclesExited
	if session.CurrentlyParked < 0 {
		session.CurrentlyParked = 0
	}
	session.CashCollected = agg.CashCollected
	session.DigitalCollected = agg.DigitalCollected
	session.TotalRevenue = agg.CashCollected.Add(agg.DigitalCollected)
	if agg.PaidCount > 0 {
		session.AverageTransaction = session.TotalRevenue.Div(decimal.NewFromInt(int64(agg.PaidCount))).Round(4)
	} else {
		session.AverageTransaction = decimal.Zero
	}
	if agg.VehiclesExited > 0 {
		session.AverageDurationMinutes = agg.TotalDurationMinutes / float64(agg.VehiclesExited)
	} else {
		session.AverageDurationMinutes = 0
	}

	meta := map[string]any{}
	if len(vehicleTypes) > 0 {
		meta["vehicle_types"] = vehicleTypes
	}
	if len(paymentModes) > 0 {
		meta["payment_modes"] = paymentModes
	}
	if agg.PaidCount > 0 {
		meta["payments"] = map[string]any{"paid_count": agg.PaidCount}
	}
	session.SetMeta(meta)
}

// RecalcShiftStatistics rebuilds every counter of a shift from its event
// ledger and overwrites the session row in one atomic write. Running it twice
// with no intervening events yields identical output.
func RecalcShiftStatistics(ctx context.Context, db *gorm.DB, logger *logrus.Logger, pub notify.Publisher, shiftId int) (*models.ShiftSession, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var session *models.ShiftSession
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = lockSession(tx, shiftId)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		if err != nil {
			return err
		}
		if session.BusinessId != businessId {
			return utils.ErrorRecordNotFound
		}

		var entries []*models.ParkingEntry
		if err := tx.
			Where("business_id = ? AND shift_session_id = ?", businessId, shiftId).
			Order("entry_time ASC").
			Find(&entries).Error; err != nil {
			return err
		}

		rebuildSessionCounters(session, entries)

		return saveSessionCounters(tx, session)
	})
	if err != nil {
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			config.LogError(logger, "reconciliation.go", "RecalcShiftStatistics", "rebuilding counters", shiftId, err)
		}
		return nil, err
	}

	cacheStatsSnapshot(businessId, session)
	notify.PublishAsync(logger, pub, notify.TopicShiftStatisticsUpdated, notify.StatisticsMessage{
		Type:          notify.TypeStatisticsRecalculated,
		ShiftId:       session.ID,
		CorrelationId: correlationId(ctx),
		Snapshot:      session,
		Timestamp:     time.Now().UTC(),
	})
	return session, nil
}

// StaleRecalcResult reports one repaired shift from a drift sweep.
type StaleRecalcResult struct {
	ShiftId  int           `json:"shift_id"`
	Duration time.Duration `json:"duration"`
}

// BatchRecalcStale sweeps ACTIVE shifts whose newest ledger event postdates
// the cached counters and recalculates each. The sweep is serialized across
// instances with a redis lock; a second concurrent sweep just returns empty.
func BatchRecalcStale(ctx context.Context, logger *logrus.Logger, pub notify.Publisher) ([]StaleRecalcResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "recalc-sweep:"+businessId, 2*time.Minute, nil)
		if err == redislock.ErrNotObtained {
			return []StaleRecalcResult{}, nil
		}
		if err == nil {
			defer lock.Release(context.Background())
		}
		// Redis being down never blocks a repair sweep.
	}

	var staleIds []int
	err := db.WithContext(ctx).Model(&models.ShiftSession{}).
		Select("shift_sessions.id").
		Joins("JOIN parking_entries ON parking_entries.shift_session_id = shift_sessions.id").
		Where("shift_sessions.business_id = ? AND shift_sessions.status = ?", businessId, models.ShiftStatusActive).
		Where("parking_entries.updated_at > shift_sessions.updated_at").
		Group("shift_sessions.id").
		Scan(&staleIds).Error
	if err != nil {
		return nil, err
	}

	results := make([]StaleRecalcResult, 0, len(staleIds))
	for _, id := range staleIds {
		started := time.Now()
		if _, err := RecalcShiftStatistics(ctx, db, logger, pub, id); err != nil {
			config.LogError(logger, "reconciliation.go", "BatchRecalcStale", "recalculating stale shift", id, err)
			continue
		}
		results = append(results, StaleRecalcResult{ShiftId: id, Duration: time.Since(started)})
	}
	return results, nil
}
