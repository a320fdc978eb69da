package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/notify"
	"bitbucket.org/mmdatafocus/parking_backend/reportgen"
	"bitbucket.org/mmdatafocus/parking_backend/workflow"
)

// Standalone report queue worker. Deploy alongside the API (which then runs
// with REPORT_QUEUE_IN_PROCESS=false) or run locally to drain stuck queues.
func main() {
	workerID := flag.String("worker-id", "", "Optional: stable worker id (defaults to a timestamped one)")
	batchSize := flag.Int("batch-size", 0, "Optional: claim batch size")
	intervalSec := flag.Int("interval", 0, "Optional: polling interval in seconds")
	once := flag.Bool("once", false, "Process one batch and exit")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()
	logger := config.GetLogger()

	var pub notify.Publisher = notify.NopPublisher{}
	if os.Getenv("PUBSUB_PROJECT_ID") != "" || os.Getenv("GOOGLE_CLOUD_PROJECT") != "" || os.Getenv("GCP_PROJECT") != "" {
		pub = notify.NewPubSubPublisher()
	} else if rdb := config.GetRedisDB(); rdb != nil {
		pub = notify.NewRedisPublisher(rdb)
	}

	p := workflow.NewShiftReportProcessor(db, logger, pub, reportgen.NewExcelGenerator(db))
	if *workerID != "" {
		p.WorkerID = *workerID
	}
	if *batchSize > 0 {
		p.BatchSize = *batchSize
	}
	if *intervalSec > 0 {
		p.Interval = time.Duration(*intervalSec) * time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		p.ProcessOnce(ctx)
		fmt.Println("report queue batch processed")
		return
	}

	fmt.Printf("report queue worker %s started (batch=%d interval=%s)\n", p.WorkerID, p.BatchSize, p.Interval)
	p.Run(ctx)
}
