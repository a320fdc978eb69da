package models_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/models"
	"bitbucket.org/mmdatafocus/parking_backend/notify"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"bitbucket.org/mmdatafocus/parking_backend/workflow"
	"github.com/shopspring/decimal"
)

// Full event flow against real MySQL and redis: entry, exit, payment,
// reconciliation and the cached counter snapshot.
func TestShiftEventFlow(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })
	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "parking_test")
	t.Setenv("REDIS_ADDRESS", "127.0.0.1:"+redisPort)

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	models.MigrateTable()

	ctx := utils.SetBusinessIdInContext(context.Background(), "biz-flow")
	ctx = utils.SetUserNameInContext(ctx, "Test")
	logger := config.GetLogger()
	pub := notify.NopPublisher{}

	shift, err := models.CreateShiftSession(ctx, &models.NewShiftSession{EmployeeName: "Operator"})
	if err != nil {
		t.Fatalf("create shift: %v", err)
	}

	carEntered := time.Now().Add(-2 * time.Hour)
	carResult, err := workflow.RecordVehicleEntry(ctx, logger, pub, &workflow.NewParkingEntry{
		VehicleType:   "Car",
		VehicleNumber: "aa-1111",
		EntryTime:     &carEntered,
	})
	if err != nil || !carResult.Success {
		t.Fatalf("car entry: err=%v result=%+v", err, carResult)
	}
	bikeEntered := time.Now().Add(-time.Hour)
	bikeResult, err := workflow.RecordVehicleEntry(ctx, logger, pub, &workflow.NewParkingEntry{
		VehicleType:   "Bike",
		VehicleNumber: "bb-2222",
		EntryTime:     &bikeEntered,
	})
	if err != nil || !bikeResult.Success {
		t.Fatalf("bike entry: err=%v result=%+v", err, bikeResult)
	}

	// 1) An unpaid exit carries the computed fee quote: Car, first day, 100.
	exitResult, err := workflow.RecordVehicleExit(ctx, logger, pub, carResult.Entry.ID, carEntered.Add(30*time.Minute))
	if err != nil || !exitResult.Success {
		t.Fatalf("car exit: err=%v result=%+v", err, exitResult)
	}
	if exitResult.FeeDue == nil || !exitResult.FeeDue.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("fee quote=%v, want 100", exitResult.FeeDue)
	}

	// 2) An exit earlier than the entry is rejected, counters untouched.
	backdated, err := workflow.RecordVehicleExit(ctx, logger, pub, bikeResult.Entry.ID, bikeEntered.Add(-time.Hour))
	if err != nil {
		t.Fatalf("backdated exit: %v", err)
	}
	if backdated.Success {
		t.Fatal("backdated exit was accepted")
	}
	reloaded, err := models.GetShiftSession(ctx, shift.ID)
	if err != nil {
		t.Fatalf("reload shift: %v", err)
	}
	if reloaded.VehiclesExited != 1 {
		t.Fatalf("vehicles_exited=%d after rejected exit, want 1", reloaded.VehiclesExited)
	}
	if reloaded.AverageDurationMinutes != 30 {
		t.Fatalf("avg duration=%v after rejected exit, want 30", reloaded.AverageDurationMinutes)
	}

	// 3) Repeating an exit is a no-op.
	repeat, err := workflow.RecordVehicleExit(ctx, logger, pub, carResult.Entry.ID, time.Now())
	if err != nil || !repeat.Success {
		t.Fatalf("repeat exit: err=%v result=%+v", err, repeat)
	}
	reloaded, _ = models.GetShiftSession(ctx, shift.ID)
	if reloaded.VehiclesExited != 1 || reloaded.AverageDurationMinutes != 30 {
		t.Fatalf("repeat exit moved counters: exited=%d avg=%v", reloaded.VehiclesExited, reloaded.AverageDurationMinutes)
	}

	// 4) A zero amount charges the computed stay fee.
	payment, err := workflow.RecordPayment(ctx, logger, pub, carResult.Entry.ID, decimal.Zero, models.PaymentTypeCash)
	if err != nil || !payment.Success {
		t.Fatalf("payment: err=%v result=%+v", err, payment)
	}
	if !payment.Entry.ParkingFee.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("charged fee=%s, want computed 100", payment.Entry.ParkingFee)
	}
	if !payment.Session.TotalRevenue.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("total revenue=%s, want 100", payment.Session.TotalRevenue)
	}

	// 5) Recalculation agrees with the live counters and is idempotent.
	first, err := workflow.RecalcShiftStatistics(ctx, db, logger, pub, shift.ID)
	if err != nil {
		t.Fatalf("recalc: %v", err)
	}
	second, err := workflow.RecalcShiftStatistics(ctx, db, logger, pub, shift.ID)
	if err != nil {
		t.Fatalf("second recalc: %v", err)
	}
	assertSameCounters(t, "recalc vs live", first, reloadSession(t, ctx, shift.ID))
	assertSameCounters(t, "second recalc", first, second)
	if first.VehiclesEntered != 2 || first.VehiclesExited != 1 || first.CurrentlyParked != 1 {
		t.Fatalf("recalc counters: %+v", first)
	}
	if !first.TotalRevenue.Equal(decimal.NewFromInt(100)) || !first.CashCollected.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("recalc revenue: total=%s cash=%s", first.TotalRevenue, first.CashCollected)
	}

	// 6) The cached snapshot tracks the active shift and an ended shift's
	// recalculation does not overwrite it.
	var cached models.ShiftSession
	found, err := config.GetRedisObject(workflow.StatsSnapshotKey("biz-flow"), &cached)
	if err != nil || !found {
		t.Fatalf("cached snapshot: found=%v err=%v", found, err)
	}
	if cached.ID != shift.ID || cached.Status != models.ShiftStatusActive {
		t.Fatalf("cached snapshot id=%d status=%s", cached.ID, cached.Status)
	}

	if _, err := workflow.EndShiftSession(ctx, logger, pub, &workflow.EndShiftInput{ShiftId: shift.ID}); err != nil {
		t.Fatalf("end shift: %v", err)
	}
	if _, err := workflow.RecalcShiftStatistics(ctx, db, logger, pub, shift.ID); err != nil {
		t.Fatalf("recalc ended shift: %v", err)
	}
	cached = models.ShiftSession{}
	if found, err = config.GetRedisObject(workflow.StatsSnapshotKey("biz-flow"), &cached); err != nil || !found {
		t.Fatalf("cached snapshot after end: found=%v err=%v", found, err)
	}
	if cached.Status != models.ShiftStatusActive {
		t.Fatalf("ended shift's recalc overwrote the snapshot: status=%s", cached.Status)
	}
}

func reloadSession(t *testing.T, ctx context.Context, id int) *models.ShiftSession {
	t.Helper()
	s, err := models.GetShiftSession(ctx, id)
	if err != nil {
		t.Fatalf("reload shift %d: %v", id, err)
	}
	return s
}

func assertSameCounters(t *testing.T, label string, a, b *models.ShiftSession) {
	t.Helper()
	if a.VehiclesEntered != b.VehiclesEntered ||
		a.VehiclesExited != b.VehiclesExited ||
		a.CurrentlyParked != b.CurrentlyParked ||
		!a.TotalRevenue.Equal(b.TotalRevenue) ||
		!a.CashCollected.Equal(b.CashCollected) ||
		!a.DigitalCollected.Equal(b.DigitalCollected) ||
		!a.AverageTransaction.Equal(b.AverageTransaction) ||
		a.AverageDurationMinutes != b.AverageDurationMinutes {
		t.Fatalf("%s: counters differ:\na: %+v\nb: %+v", label, a, b)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("parking-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil && strings.Contains(resp, "PONG") {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}
