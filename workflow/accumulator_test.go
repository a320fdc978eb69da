package workflow

import (
	"fmt"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/parking_backend/models"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the accumulator
// delta semantics in isolation:
// - counters move by exact deltas, never recomputed per event
// - payment corrections migrate fully between cash/digital buckets
// - the duration average is the incremental mean over exited vehicles
//
// Full DB integration tests live alongside the models (INTEGRATION_TESTS=1).

func newTestSession() *models.ShiftSession {
	return &models.ShiftSession{
		ID:                 1,
		BusinessId:         "biz-1",
		Status:             models.ShiftStatusActive,
		TotalRevenue:       decimal.Zero,
		CashCollected:      decimal.Zero,
		DigitalCollected:   decimal.Zero,
		AverageTransaction: decimal.Zero,
	}
}

func TestEntryExitPayment_FullCycle(t *testing.T) {
	s := newTestSession()

	ApplyEntryDelta(s, "Car")
	if s.VehiclesEntered != 1 || s.CurrentlyParked != 1 {
		t.Fatalf("after entry: entered=%d parked=%d", s.VehiclesEntered, s.CurrentlyParked)
	}

	ApplyExitDelta(s, 30)
	if s.VehiclesExited != 1 || s.CurrentlyParked != 0 {
		t.Fatalf("after exit: exited=%d parked=%d", s.VehiclesExited, s.CurrentlyParked)
	}
	if s.AverageDurationMinutes != 30 {
		t.Fatalf("after exit: avg duration %v, want 30", s.AverageDurationMinutes)
	}

	changed := ApplyPaymentDelta(s, PaymentChange{
		Paid:   true,
		Amount: decimal.NewFromInt(500),
		Mode:   models.PaymentTypeCash,
	})
	if !changed {
		t.Fatal("payment delta reported no change")
	}
	if !s.TotalRevenue.Equal(decimal.NewFromInt(500)) || !s.CashCollected.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("after payment: total=%s cash=%s", s.TotalRevenue, s.CashCollected)
	}
	if !s.DigitalCollected.IsZero() {
		t.Fatalf("after cash payment: digital=%s, want 0", s.DigitalCollected)
	}
	if !s.AverageTransaction.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("after payment: avg transaction=%s, want 500", s.AverageTransaction)
	}
}

func TestPaymentCorrection_MigratesBuckets(t *testing.T) {
	s := newTestSession()

	ApplyPaymentDelta(s, PaymentChange{
		Paid:   true,
		Amount: decimal.NewFromInt(500),
		Mode:   models.PaymentTypeCash,
	})

	// Correction: same vehicle re-reported as 700 via KBZ Pay.
	changed := ApplyPaymentDelta(s, PaymentChange{
		WasPaid:     true,
		PriorAmount: decimal.NewFromInt(500),
		PriorMode:   models.PaymentTypeCash,
		Paid:        true,
		Amount:      decimal.NewFromInt(700),
		Mode:        models.PaymentType("KBZ Pay"),
	})
	if !changed {
		t.Fatal("correction reported no change")
	}

	if !s.CashCollected.IsZero() {
		t.Fatalf("cash=%s, want 0 after migration", s.CashCollected)
	}
	if !s.DigitalCollected.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("digital=%s, want 700", s.DigitalCollected)
	}
	if !s.TotalRevenue.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("total=%s, want 700", s.TotalRevenue)
	}
	if !s.TotalRevenue.Equal(s.CashCollected.Add(s.DigitalCollected)) {
		t.Fatalf("total %s != cash %s + digital %s", s.TotalRevenue, s.CashCollected, s.DigitalCollected)
	}
	// Still one paying vehicle; the correction must not inflate the count.
	if !s.AverageTransaction.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("avg transaction=%s, want 700", s.AverageTransaction)
	}
}

func TestPaymentDelta_NoChangeIsNoOp(t *testing.T) {
	s := newTestSession()
	ApplyPaymentDelta(s, PaymentChange{
		Paid:   true,
		Amount: decimal.NewFromInt(500),
		Mode:   models.PaymentTypeCash,
	})

	before := s.TotalRevenue
	changed := ApplyPaymentDelta(s, PaymentChange{
		WasPaid:     true,
		PriorAmount: decimal.NewFromInt(500),
		PriorMode:   models.PaymentTypeCash,
		Paid:        true,
		Amount:      decimal.NewFromInt(500),
		Mode:        models.PaymentTypeCash,
	})
	if changed {
		t.Fatal("identical payment reported a change")
	}
	if !s.TotalRevenue.Equal(before) {
		t.Fatalf("total moved on no-op: %s -> %s", before, s.TotalRevenue)
	}
}

func TestExitDelta_IncrementalMean(t *testing.T) {
	s := newTestSession()
	s.CurrentlyParked = 3

	for _, d := range []float64{10, 20, 30} {
		ApplyExitDelta(s, d)
	}
	if s.AverageDurationMinutes != 20 {
		t.Fatalf("avg duration=%v, want 20", s.AverageDurationMinutes)
	}
	if s.VehiclesExited != 3 || s.CurrentlyParked != 0 {
		t.Fatalf("exited=%d parked=%d", s.VehiclesExited, s.CurrentlyParked)
	}
}

func TestExitDelta_ParkedClampsAtZero(t *testing.T) {
	s := newTestSession()

	// Exit without a recorded entry (manual ledger correction).
	ApplyExitDelta(s, 15)
	if s.CurrentlyParked != 0 {
		t.Fatalf("parked=%d, want clamp at 0", s.CurrentlyParked)
	}
	if s.VehiclesExited != 1 {
		t.Fatalf("exited=%d, want 1", s.VehiclesExited)
	}
}

func TestAverageTransaction_TracksPaidCount(t *testing.T) {
	s := newTestSession()

	ApplyPaymentDelta(s, PaymentChange{Paid: true, Amount: decimal.NewFromInt(100), Mode: models.PaymentTypeCash})
	ApplyPaymentDelta(s, PaymentChange{Paid: true, Amount: decimal.NewFromInt(300), Mode: models.PaymentType("Wave Money")})

	if !s.AverageTransaction.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("avg transaction=%s, want 200", s.AverageTransaction)
	}
	if !s.CashCollected.Equal(decimal.NewFromInt(100)) || !s.DigitalCollected.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("cash=%s digital=%s", s.CashCollected, s.DigitalCollected)
	}
}

// Concurrent handlers serialize on the session row lock in production; here a
// mutex stands in for the lock. The final counters must be exact regardless of
// interleaving.
func TestConcurrentDeltas_ExactCounters(t *testing.T) {
	s := newTestSession()
	var mu sync.Mutex

	const vehicles = 50
	var wg sync.WaitGroup
	for i := 0; i < vehicles; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			ApplyEntryDelta(s, "Car")
			mu.Unlock()

			mu.Lock()
			ApplyExitDelta(s, float64(10+i))
			mu.Unlock()

			mu.Lock()
			ApplyPaymentDelta(s, PaymentChange{
				Paid:   true,
				Amount: decimal.NewFromInt(100),
				Mode:   models.PaymentTypeCash,
			})
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if s.VehiclesEntered != vehicles || s.VehiclesExited != vehicles || s.CurrentlyParked != 0 {
		t.Fatalf("entered=%d exited=%d parked=%d", s.VehiclesEntered, s.VehiclesExited, s.CurrentlyParked)
	}
	want := decimal.NewFromInt(100 * vehicles)
	if !s.TotalRevenue.Equal(want) {
		t.Fatalf("total=%s, want %s", s.TotalRevenue, want)
	}
	if !s.AverageTransaction.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("avg transaction=%s, want 100", s.AverageTransaction)
	}
	// Mean of 10..59 is 34.5 regardless of arrival order.
	if s.AverageDurationMinutes < 34.4999 || s.AverageDurationMinutes > 34.5001 {
		t.Fatalf("avg duration=%v, want 34.5", s.AverageDurationMinutes)
	}
}

func TestEntryDelta_VehicleTypeTally(t *testing.T) {
	s := newTestSession()
	for i := 0; i < 3; i++ {
		ApplyEntryDelta(s, "Truck")
	}
	ApplyEntryDelta(s, "Bike")

	m := s.Meta()
	types, _ := m["vehicle_types"].(map[string]any)
	if types == nil {
		t.Fatal("vehicle_types tally missing")
	}
	if fmt.Sprint(types["Truck"]) != "3" || fmt.Sprint(types["Bike"]) != "1" {
		t.Fatalf("tally=%v", types)
	}
}
