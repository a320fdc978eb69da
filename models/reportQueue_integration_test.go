package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/models"
	"bitbucket.org/mmdatafocus/parking_backend/notify"
	"bitbucket.org/mmdatafocus/parking_backend/reportgen"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"bitbucket.org/mmdatafocus/parking_backend/workflow"
)

func TestReportQueueLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "parking_test")
	// Keep retries fast so the failure path finishes within the test.
	t.Setenv("REPORT_RETRY_BASE_BACKOFF_SECONDS", "1")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	models.MigrateTable()

	ctx := utils.SetBusinessIdInContext(context.Background(), "biz-it")
	ctx = utils.SetUserNameInContext(ctx, "Test")
	logger := config.GetLogger()

	// Three ended shifts to exercise claim ordering.
	var shifts []models.ShiftSession
	for i := 0; i < 3; i++ {
		end := time.Now().Add(-time.Duration(3-i) * time.Hour)
		s := models.ShiftSession{
			BusinessId:   "biz-it",
			EmployeeName: fmt.Sprintf("Operator %d", i+1),
			Status:       models.ShiftStatusCompleted,
			StartTime:    end.Add(-8 * time.Hour),
			EndTime:      &end,
		}
		if err := db.Create(&s).Error; err != nil {
			t.Fatalf("create shift: %v", err)
		}
		shifts = append(shifts, s)
	}

	// 1) Enqueue for an unknown shift fails cleanly.
	if _, err := models.EnqueueShiftReport(ctx, db, 999999, models.ReportPriorityNormal); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("unknown shift: got %v, want record not found", err)
	}

	// 2) Duplicate enqueue merges into one row with the higher priority.
	if _, err := models.EnqueueShiftReport(ctx, db, shifts[0].ID, models.ReportPriorityNormal); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	merged, err := models.EnqueueShiftReport(ctx, db, shifts[0].ID, models.ReportPriorityUrgent)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if merged.Priority != models.ReportPriorityUrgent {
		t.Fatalf("merged priority=%s, want URGENT", merged.Priority)
	}
	var rows int64
	db.Model(&models.ShiftReportRequest{}).Where("shift_session_id = ?", shifts[0].ID).Count(&rows)
	if rows != 1 {
		t.Fatalf("queue rows for shift=%d, want 1", rows)
	}

	if _, err := models.EnqueueShiftReport(ctx, db, shifts[1].ID, models.ReportPriorityLow); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if _, err := models.EnqueueShiftReport(ctx, db, shifts[2].ID, models.ReportPriorityHigh); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	// 3) A worker claims in priority order and completes.
	var processedOrder []int
	gen := reportgen.GeneratorFunc(func(ctx context.Context, shiftId int) reportgen.Result {
		processedOrder = append(processedOrder, shiftId)
		return reportgen.Ok(map[string]any{"shift_id": shiftId})
	})
	p := workflow.NewShiftReportProcessor(db, logger, notify.NopPublisher{}, gen)
	p.BatchSize = 10
	p.ProcessOnce(ctx)

	wantOrder := []int{shifts[0].ID, shifts[2].ID, shifts[1].ID} // URGENT, HIGH, LOW
	if len(processedOrder) != 3 {
		t.Fatalf("processed %d requests, want 3", len(processedOrder))
	}
	for i := range wantOrder {
		if processedOrder[i] != wantOrder[i] {
			t.Fatalf("claim order=%v, want %v", processedOrder, wantOrder)
		}
	}
	var completed int64
	db.Model(&models.ShiftReportRequest{}).Where("status = ?", models.ReportStatusCompleted).Count(&completed)
	if completed != 3 {
		t.Fatalf("completed=%d, want 3", completed)
	}

	// 4) Re-enqueueing a completed request reopens it; repeated transient
	// failures walk it to terminal FAILED after max_retries attempts.
	if _, err := models.EnqueueShiftReport(ctx, db, shifts[1].ID, models.ReportPriorityNormal); err != nil {
		t.Fatalf("reopen completed: %v", err)
	}
	failing := reportgen.GeneratorFunc(func(ctx context.Context, shiftId int) reportgen.Result {
		return reportgen.Retry(errors.New("storage unavailable"))
	})
	p = workflow.NewShiftReportProcessor(db, logger, notify.NopPublisher{}, failing)
	p.BatchSize = 10
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		p.ProcessOnce(ctx)
		var req models.ShiftReportRequest
		if err := db.Where("shift_session_id = ?", shifts[1].ID).First(&req).Error; err != nil {
			t.Fatalf("reload request: %v", err)
		}
		if req.Status == models.ReportStatusFailed {
			if req.RetryCount != req.MaxRetries {
				t.Fatalf("retry_count=%d at FAILED, want %d", req.RetryCount, req.MaxRetries)
			}
			if req.ErrorMessage == nil || !strings.Contains(*req.ErrorMessage, "storage unavailable") {
				t.Fatalf("error_message=%v", req.ErrorMessage)
			}
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatal("request never reached FAILED")
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("parking-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=parking_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
