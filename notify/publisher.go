package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Topics consumed by the real-time UI layer.
const (
	TopicShiftStatisticsUpdated = "shift_statistics_updated"
	TopicShiftEnded             = "shift_ended"
	TopicShiftReportGenerated   = "shift_report_generated"
	TopicShiftReportFailed      = "shift_report_failed"
)

// Statistics notification types.
const (
	TypeVehicleEntry           = "vehicle_entry"
	TypeVehicleExit            = "vehicle_exit"
	TypePaymentUpdate          = "payment_update"
	TypeStatisticsRecalculated = "statistics_recalculated"
	TypeShiftEnded             = "shift_ended"
)

// Publisher is the fan-out port. Delivery is best-effort: implementations
// must not be relied on for correctness and callers must not block on them.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// StatisticsMessage is the shift_statistics_updated payload: what changed
// plus a post-update snapshot of the counters.
type StatisticsMessage struct {
	Type          string    `json:"type"`
	ShiftId       int       `json:"shift_id"`
	CorrelationId string    `json:"correlation_id,omitempty"`
	Fields        any       `json:"fields,omitempty"`
	Snapshot      any       `json:"snapshot"`
	Timestamp     time.Time `json:"timestamp"`
}

// ShiftEndedMessage is published when a shift leaves ACTIVE.
type ShiftEndedMessage struct {
	Type           string  `json:"type"`
	ShiftId        int     `json:"shift_id"`
	CorrelationId  string  `json:"correlation_id,omitempty"`
	EmployeeName   string  `json:"employee_name"`
	DurationHours  float64 `json:"duration_hours"`
	RequiresReport bool    `json:"requires_report"`
}

// ReportMessage is published on report generation success or terminal failure.
type ReportMessage struct {
	ShiftId    int       `json:"shift_id"`
	Success    bool      `json:"success"`
	ReportData any       `json:"report_data,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PublishAsync fires a notification without blocking the caller. Failures are
// logged and dropped; subscribers own reconnection and catch-up.
func PublishAsync(logger *logrus.Logger, pub Publisher, topic string, payload any) {
	if pub == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, topic, payload); err != nil && logger != nil {
			logger.WithFields(logrus.Fields{
				"module": "notify",
				"topic":  topic,
			}).Error("publish failed: " + err.Error())
		}
	}()
}

// NopPublisher drops every message. Used in tests and one-off CLI tools.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, topic string, payload any) error {
	return nil
}
