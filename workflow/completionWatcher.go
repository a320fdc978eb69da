package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/models"
	"bitbucket.org/mmdatafocus/parking_backend/notify"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EndShiftInput closes a shift. Emergency marks an abnormal close (power cut,
// incident); its report request jumps the queue.
type EndShiftInput struct {
	ShiftId   int        `json:"shift_id" binding:"required"`
	Emergency bool       `json:"emergency"`
	EndTime   *time.Time `json:"end_time"`
}

// EndShiftSession transitions a shift out of ACTIVE and enqueues its report
// request in the same transaction, so a closed shift can never miss its
// report. Ending an already-ended shift is rejected.
func EndShiftSession(ctx context.Context, logger *logrus.Logger, pub notify.Publisher, input *EndShiftInput) (*models.ShiftSession, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var session *models.ShiftSession
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		session, err = lockSession(tx, input.ShiftId)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		if err != nil {
			return err
		}
		if session.BusinessId != businessId {
			return utils.ErrorRecordNotFound
		}
		if session.Status.IsTerminal() {
			return errors.New("shift already ended")
		}

		end := time.Now()
		if input.EndTime != nil {
			end = *input.EndTime
		}
		status := models.ShiftStatusCompleted
		priority := models.ReportPriorityNormal
		if input.Emergency {
			status = models.ShiftStatusEmergencyEnded
			priority = models.ReportPriorityHigh
		}

		if err := tx.Model(&models.ShiftSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"status":   status,
				"end_time": end,
			}).Error; err != nil {
			return err
		}
		session.Status = status
		session.EndTime = &end

		_, err = models.EnqueueShiftReport(ctx, tx, session.ID, priority)
		return err
	})
	if err != nil {
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			config.LogError(logger, "completionWatcher.go", "EndShiftSession", "ending shift", input.ShiftId, err)
		}
		return nil, err
	}

	notify.PublishAsync(logger, pub, notify.TopicShiftEnded, notify.ShiftEndedMessage{
		Type:           notify.TypeShiftEnded,
		ShiftId:        session.ID,
		CorrelationId:  correlationId(ctx),
		EmployeeName:   session.EmployeeName,
		DurationHours:  session.DurationHours(),
		RequiresReport: true,
	})
	return session, nil
}
