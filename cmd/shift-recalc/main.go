package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/notify"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"bitbucket.org/mmdatafocus/parking_backend/workflow"
)

// Rebuilds shift counters from the parking entry ledger. With --shift-id it
// recalculates one shift; without, it sweeps every stale active shift.
func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	shiftID := flag.Int("shift-id", 0, "Optional: recalculate a single shift")
	repairOrphans := flag.Bool("repair-orphans", false, "Adopt today's shift-less entries into the active shift first")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	config.ConnectRedisWithRetry()

	ctx := utils.SetBusinessIdInContext(context.Background(), strings.TrimSpace(*businessID))
	ctx = utils.SetUserNameInContext(ctx, "System")

	if *repairOrphans {
		result, err := workflow.RepairOrphanEntries(ctx, logger, notify.NopPublisher{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "orphan repair failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("orphan repair: adopted %d into shift %d (%d remained)\n", result.Adopted, result.ShiftId, result.Remained)
	}

	if *shiftID > 0 {
		session, err := workflow.RecalcShiftStatistics(ctx, db, logger, notify.NopPublisher{}, *shiftID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recalc failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("shift %d recalculated: entered=%d exited=%d parked=%d revenue=%s\n",
			session.ID, session.VehiclesEntered, session.VehiclesExited, session.CurrentlyParked, session.TotalRevenue.String())
		return
	}

	results, err := workflow.BatchRecalcStale(ctx, logger, notify.NopPublisher{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stale sweep failed: %v\n", err)
		os.Exit(1)
	}
	for _, r := range results {
		fmt.Printf("shift %d recalculated in %s\n", r.ShiftId, r.Duration)
	}
	fmt.Printf("stale sweep complete (%d shifts)\n", len(results))
}
