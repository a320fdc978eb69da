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
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// OrphanRepairResult summarizes one orphan repair run.
type OrphanRepairResult struct {
	ShiftId  int `json:"shift_id"`
	Adopted  int `json:"adopted"`
	Remained int `json:"remained"`
}

// RepairOrphanEntries adopts today's shift-less entries into the currently
// active shift, then rebuilds that shift's counters from the ledger so the
// adopted vehicles, revenue and durations all land at once.
//
// Entries from other days are left alone; they belong to whichever shift ran
// then and need manual review. The run is serialized per business with a
// redis lock so two admins clicking repair at once do not double-adopt.
func RepairOrphanEntries(ctx context.Context, logger *logrus.Logger, pub notify.Publisher) (*OrphanRepairResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "orphan-repair:"+businessId, time.Minute, nil)
		if err == redislock.ErrNotObtained {
			return nil, errors.New("orphan repair already running")
		}
		if err == nil {
			defer lock.Release(context.Background())
		}
	}

	session, err := models.GetActiveShiftSession(ctx, db)
	if err != nil {
		return nil, err
	}

	result := &OrphanRepairResult{ShiftId: session.ID}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orphans, err := models.GetOrphanParkingEntries(ctx, tx, time.Now())
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			return nil
		}

		ids := make([]int, 0, len(orphans))
		for _, o := range orphans {
			ids = append(ids, o.ID)
		}
		// Guard against a shift handover between the query and the stamp.
		res := tx.Model(&models.ParkingEntry{}).
			Where("business_id = ? AND id IN ? AND shift_session_id IS NULL", businessId, ids).
			Update("shift_session_id", session.ID)
		if res.Error != nil {
			return res.Error
		}
		result.Adopted = int(res.RowsAffected)
		result.Remained = len(orphans) - result.Adopted
		return nil
	})
	if err != nil {
		config.LogError(logger, "router.go", "RepairOrphanEntries", "adopting orphan entries", businessId, err)
		return nil, err
	}

	if result.Adopted > 0 {
		if _, err := RecalcShiftStatistics(ctx, db, logger, pub, session.ID); err != nil {
			return result, err
		}
	}
	return result, nil
}
