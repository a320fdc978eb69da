package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/parking_backend/config"
	"bitbucket.org/mmdatafocus/parking_backend/models"
	"bitbucket.org/mmdatafocus/parking_backend/notify"
	"bitbucket.org/mmdatafocus/parking_backend/reportgen"
	"bitbucket.org/mmdatafocus/parking_backend/utils"
	"bitbucket.org/mmdatafocus/parking_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// RateLimiter throttles per client IP using a redis counter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// businessContextMiddleware resolves the tenant for the request. Every data
// access downstream is scoped by this business id.
func businessContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.GetHeader("x-business-id"))
		if businessId == "" {
			businessId = strings.TrimSpace(os.Getenv("DEFAULT_BUSINESS_ID"))
		}
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "x-business-id header is required"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if user := strings.TrimSpace(c.GetHeader("x-user-name")); user != "" {
			ctx = utils.SetUserNameInContext(ctx, user)
		} else {
			ctx = utils.SetUserNameInContext(ctx, "System")
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bindJSONError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": utils.MapValidationErrors(verrs)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

func eventResponse(c *gin.Context, result *workflow.EventResult, err error) {
	if errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !result.Success {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func startShiftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewShiftSession
		if err := c.ShouldBindJSON(&input); err != nil {
			bindJSONError(c, err)
			return
		}
		session, err := models.CreateShiftSession(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func endShiftHandler(logger *logrus.Logger, pub notify.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.EndShiftInput
		if err := c.ShouldBindJSON(&input); err != nil {
			bindJSONError(c, err)
			return
		}
		session, err := workflow.EndShiftSession(c.Request.Context(), logger, pub, &input)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "shift not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func activeShiftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := models.GetActiveShiftSession(c.Request.Context(), config.GetDB())
		if errors.Is(err, utils.ErrorNoActiveShift) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active shift"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func getShiftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shift id"})
			return
		}
		session, err := models.GetShiftSession(c.Request.Context(), id)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "shift not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func vehicleEntryHandler(logger *logrus.Logger, pub notify.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input workflow.NewParkingEntry
		if err := c.ShouldBindJSON(&input); err != nil {
			bindJSONError(c, err)
			return
		}
		result, err := workflow.RecordVehicleEntry(c.Request.Context(), logger, pub, &input)
		eventResponse(c, result, err)
	}
}

// Entry detail plus the live fee quote for the stay so far. Paid entries
// quote nothing further.
func getEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
			return
		}
		entry, err := models.GetParkingEntry(c.Request.Context(), id)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "parking entry not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{
			"entry":          entry,
			"duration_hours": entry.DurationHours(),
			"overstayed":     entry.IsOverstayed(models.DefaultMaxParkHours),
		}
		if !entry.IsPaid() {
			resp["fee_due"] = entry.CalculateFee()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func overstayedEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		maxHours := float64(models.DefaultMaxParkHours)
		if raw := strings.TrimSpace(c.Query("max_hours")); raw != "" {
			parsed, err := strconv.ParseFloat(raw, 64)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_hours"})
				return
			}
			maxHours = parsed
		}
		entries, err := models.GetOverstayedEntries(c.Request.Context(), maxHours)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]gin.H, 0, len(entries))
		for _, e := range entries {
			items = append(items, gin.H{
				"entry":          e,
				"duration_hours": e.DurationHours(),
				"fee_due":        e.CalculateFee(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"max_hours": maxHours, "overstayed": items})
	}
}

type vehicleExitRequest struct {
	ExitTime *time.Time `json:"exit_time"`
}

func vehicleExitHandler(logger *logrus.Logger, pub notify.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
			return
		}
		var req vehicleExitRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				bindJSONError(c, err)
				return
			}
		}
		exitTime := time.Now()
		if req.ExitTime != nil {
			exitTime = *req.ExitTime
		}
		result, err := workflow.RecordVehicleExit(c.Request.Context(), logger, pub, id, exitTime)
		eventResponse(c, result, err)
	}
}

type paymentRequest struct {
	Amount decimal.Decimal    `json:"amount"`
	Mode   models.PaymentType `json:"mode" binding:"required"`
}

func paymentHandler(logger *logrus.Logger, pub notify.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
			return
		}
		var req paymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindJSONError(c, err)
			return
		}
		result, err := workflow.RecordPayment(c.Request.Context(), logger, pub, id, req.Amount, req.Mode)
		eventResponse(c, result, err)
	}
}

type enqueueReportRequest struct {
	ShiftId  int                   `json:"shift_id" binding:"required"`
	Priority models.ReportPriority `json:"priority"`
}

func enqueueReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enqueueReportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindJSONError(c, err)
			return
		}
		if req.Priority == "" {
			req.Priority = models.ReportPriorityNormal
		}
		request, err := models.EnqueueShiftReport(c.Request.Context(), config.GetDB(), req.ShiftId, req.Priority)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "shift not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, request)
	}
}

func reportQueueStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := models.GetReportQueueStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

type recalcRequest struct {
	ShiftId int `json:"shift_id" binding:"required"`
}

func recalcShiftHandler(logger *logrus.Logger, pub notify.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recalcRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindJSONError(c, err)
			return
		}
		session, err := workflow.RecalcShiftStatistics(c.Request.Context(), config.GetDB(), logger, pub, req.ShiftId)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "shift not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func recalcStaleHandler(logger *logrus.Logger, pub notify.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := workflow.BatchRecalcStale(c.Request.Context(), logger, pub)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"recalculated": results})
	}
}

func repairOrphansHandler(logger *logrus.Logger, pub notify.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := workflow.RepairOrphanEntries(c.Request.Context(), logger, pub)
		if errors.Is(err, utils.ErrorNoActiveShift) {
			c.JSON(http.StatusConflict, gin.H{"error": "no active shift to adopt orphans into"})
			return
		}
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// Latest counter snapshot from the redis cache, for dashboard catch-up after
// a reconnect. Falls back to the database when the cache is cold.
func statsSnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		var cached models.ShiftSession
		found, err := config.GetRedisObject(workflow.StatsSnapshotKey(businessId), &cached)
		if err == nil && found {
			c.JSON(http.StatusOK, gin.H{"source": "cache", "snapshot": cached})
			return
		}
		session, err := models.GetActiveShiftSession(c.Request.Context(), config.GetDB())
		if errors.Is(err, utils.ErrorNoActiveShift) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active shift"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"source": "database", "snapshot": session})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// newNotifyPublisher picks the fan-out transport. NOTIFY_DRIVER overrides the
// default of Pub/Sub when a project is configured, redis when only redis is.
func newNotifyPublisher(logger *logrus.Logger) notify.Publisher {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("NOTIFY_DRIVER")))
	switch driver {
	case "pubsub":
		return notify.NewPubSubPublisher()
	case "redis":
		return notify.NewRedisPublisher(config.GetRedisDB())
	case "none":
		return notify.NopPublisher{}
	}
	if os.Getenv("PUBSUB_PROJECT_ID") != "" || os.Getenv("GOOGLE_CLOUD_PROJECT") != "" || os.Getenv("GCP_PROJECT") != "" {
		return notify.NewPubSubPublisher()
	}
	if config.GetRedisDB() != nil {
		return notify.NewRedisPublisher(config.GetRedisDB())
	}
	logger.WithFields(logrus.Fields{"field": "notify"}).Warn("no notification transport configured; notifications disabled")
	return notify.NopPublisher{}
}

// publisherRef defers transport selection until dependencies are connected:
// routes are registered before redis is up, so handlers hold a reference
// instead of the publisher itself.
type publisherRef struct{ p *notify.Publisher }

func (r publisherRef) Publish(ctx context.Context, topic string, payload any) error {
	return (*r.p).Publish(ctx, topic, payload)
}

func pubRef(p *notify.Publisher) notify.Publisher { return publisherRef{p: p} }

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production requires an explicit allowlist; everywhere else allows all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-business-id", "x-user-name")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(businessContextMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	var pub notify.Publisher = notify.NopPublisher{}

	r.POST("/shifts", startShiftHandler())
	r.POST("/shifts/end", endShiftHandler(logger, pubRef(&pub)))
	r.GET("/shifts/active", activeShiftHandler())
	r.GET("/shifts/active/snapshot", statsSnapshotHandler())
	r.GET("/shifts/:id", getShiftHandler())
	r.POST("/entries", vehicleEntryHandler(logger, pubRef(&pub)))
	r.GET("/entries/:id", getEntryHandler())
	r.POST("/entries/:id/exit", vehicleExitHandler(logger, pubRef(&pub)))
	r.POST("/entries/:id/payment", paymentHandler(logger, pubRef(&pub)))
	// Ops tooling: queue introspection and drift repair.
	r.POST("/internal/ops/report-queue/enqueue", enqueueReportHandler())
	r.GET("/internal/ops/report-queue/status", reportQueueStatusHandler())
	r.POST("/internal/ops/shifts/recalc", recalcShiftHandler(logger, pubRef(&pub)))
	r.POST("/internal/ops/shifts/recalc-stale", recalcStaleHandler(logger, pubRef(&pub)))
	r.POST("/internal/ops/shifts/repair-orphans", repairOrphansHandler(logger, pubRef(&pub)))
	r.GET("/internal/ops/entries/overstayed", overstayedEntriesHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	pub = newNotifyPublisher(logger)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// In-process report worker. Disable when a dedicated worker deployment
	// drains the queue (REPORT_QUEUE_IN_PROCESS=false).
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("REPORT_QUEUE_IN_PROCESS")), "false") {
		processor := workflow.NewShiftReportProcessor(db, logger, pubRef(&pub), reportgen.NewExcelGenerator(db))
		go processor.Run(workerCtx)
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorker()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
