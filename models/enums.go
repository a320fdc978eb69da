package models

// Shift session statuses. Keep these as strings (DB values).
type ShiftStatus string

const (
	ShiftStatusActive         ShiftStatus = "ACTIVE"
	ShiftStatusCompleted      ShiftStatus = "COMPLETED"
	ShiftStatusEmergencyEnded ShiftStatus = "EMERGENCY_ENDED"
)

// IsTerminal reports whether the shift no longer accepts accumulator writes.
func (s ShiftStatus) IsTerminal() bool {
	return s == ShiftStatusCompleted || s == ShiftStatusEmergencyEnded
}

// Parking entry lifecycle.
const (
	EntryStatusParked = "Parked"
	EntryStatusExited = "Exited"
)

// Payment status on a parking entry.
const (
	PaymentStatusUnpaid = "Unpaid"
	PaymentStatusPaid   = "Paid"
)

// PaymentType buckets revenue into cash vs digital collection.
type PaymentType string

const (
	PaymentTypeNone    PaymentType = "N/A"
	PaymentTypeCash    PaymentType = "Cash"
	PaymentTypeDigital PaymentType = "Digital"
)

// IsDigital reports whether a paid amount belongs in the digital bucket.
// Anything that is not cash (KBZPay, wallet QR, card) counts as digital.
func (t PaymentType) IsDigital() bool {
	return t != PaymentTypeCash && t != PaymentTypeNone && t != ""
}

// ReportPriority orders shift report requests. URGENT is claimed first.
type ReportPriority string

const (
	ReportPriorityLow    ReportPriority = "LOW"
	ReportPriorityNormal ReportPriority = "NORMAL"
	ReportPriorityHigh   ReportPriority = "HIGH"
	ReportPriorityUrgent ReportPriority = "URGENT"
)

// Weight maps a priority to its claim rank. Unknown values sort last.
func (p ReportPriority) Weight() int {
	switch p {
	case ReportPriorityUrgent:
		return 4
	case ReportPriorityHigh:
		return 3
	case ReportPriorityNormal:
		return 2
	case ReportPriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is one of the four known priorities.
func (p ReportPriority) Valid() bool {
	return p.Weight() > 0
}

// MaxReportPriority returns the higher-ranked of two priorities.
func MaxReportPriority(a, b ReportPriority) ReportPriority {
	if b.Weight() > a.Weight() {
		return b
	}
	return a
}

// Report request statuses for ShiftReportRequest.Status.
const (
	ReportStatusPending    = "PENDING"
	ReportStatusProcessing = "PROCESSING"
	ReportStatusCompleted  = "COMPLETED"
	ReportStatusFailed     = "FAILED"
)
