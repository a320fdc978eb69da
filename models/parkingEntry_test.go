package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func entryParkedSince(vehicleType string, entered time.Time) *ParkingEntry {
	return &ParkingEntry{
		BusinessId:    "biz-1",
		VehicleType:   vehicleType,
		VehicleNumber: "AA-1234",
		Status:        EntryStatusParked,
		EntryTime:     entered,
		PaymentStatus: PaymentStatusUnpaid,
	}
}

func exitedAfter(e *ParkingEntry, d time.Duration) *ParkingEntry {
	exit := e.EntryTime.Add(d)
	e.ExitTime = &exit
	e.Status = EntryStatusExited
	return e
}

func TestCalculateFee_ChargesPerStartedDay(t *testing.T) {
	entered := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name        string
		vehicleType string
		stay        time.Duration
		want        int64
	}{
		{"car under a day", "Car", 2 * time.Hour, 100},
		{"car exactly one day", "Car", 24 * time.Hour, 100},
		{"car a minute into day two", "Car", 24*time.Hour + time.Minute, 200},
		{"bike third day started", "Bike", 49 * time.Hour, 150},
		{"truck brief stop", "Truck", time.Hour, 200},
		{"unknown type falls back", "Rickshaw", 3 * time.Hour, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := exitedAfter(entryParkedSince(tc.vehicleType, entered), tc.stay)
			if got := e.CalculateFee(); !got.Equal(decimal.NewFromInt(tc.want)) {
				t.Fatalf("fee=%s, want %d", got, tc.want)
			}
		})
	}
}

func TestCalculateFee_OpenEntryMeasuresAgainstNow(t *testing.T) {
	e := entryParkedSince("Car", time.Now().Add(-30*time.Hour))
	if got := e.CalculateFee(); !got.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("fee=%s, want 200 for a stay into day two", got)
	}
}

// A recorded exit earlier than the entry can only come from bad manual data;
// the fee clamps to the one day minimum instead of going negative.
func TestCalculateFee_NegativeDurationChargesMinimum(t *testing.T) {
	entered := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	e := entryParkedSince("Car", entered)
	exit := entered.Add(-2 * time.Hour)
	e.ExitTime = &exit

	if got := e.CalculateFee(); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("fee=%s, want the one day minimum 100", got)
	}
}

func TestIsOverstayed(t *testing.T) {
	longStay := entryParkedSince("Car", time.Now().Add(-25*time.Hour))
	if !longStay.IsOverstayed(24) {
		t.Fatal("25h parked vehicle not flagged at 24h threshold")
	}
	if longStay.IsOverstayed(48) {
		t.Fatal("25h parked vehicle flagged at 48h threshold")
	}

	fresh := entryParkedSince("Car", time.Now().Add(-2*time.Hour))
	if fresh.IsOverstayed(24) {
		t.Fatal("2h parked vehicle flagged as overstayed")
	}

	gone := exitedAfter(entryParkedSince("Car", time.Now().Add(-72*time.Hour)), 70*time.Hour)
	if gone.IsOverstayed(24) {
		t.Fatal("exited vehicle flagged as overstayed")
	}
}

func TestDurationMinutes(t *testing.T) {
	entered := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	e := exitedAfter(entryParkedSince("Car", entered), 90*time.Minute)
	if got := e.DurationMinutes(); got != 90 {
		t.Fatalf("duration=%v minutes, want 90", got)
	}
}
