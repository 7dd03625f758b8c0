package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/models"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
	"bitbucket.org/mmdatafocus/tradeops_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("tradeops-distribution")

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// actorMiddleware attaches the acting user from headers to the request
// context. Authentication lives at the gateway; by the time a request gets
// here the identity headers are trusted.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if v := c.GetHeader("x-actor-id"); v != "" {
			if id, err := strconv.Atoi(v); err == nil {
				ctx = utils.SetActorIdInContext(ctx, id)
			}
		}
		if v := c.GetHeader("x-actor-name"); v != "" {
			ctx = utils.SetActorNameInContext(ctx, v)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func actorId(c *gin.Context) int {
	id, _ := utils.GetActorIdFromContext(c.Request.Context())
	return id
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// respondEngineError maps the engine's typed errors onto HTTP statuses.
// Expected business failures are client errors; a ledger bound violation is
// a server bug and surfaces as 500.
func respondEngineError(c *gin.Context, err error) {
	var (
		insufficient  *models.InsufficientQuantityError
		capacity      *models.CapacityExceededError
		empty         *models.EmptyContainerError
		alreadySealed *models.AlreadySealedError
		notSealed     *models.NotSealedError
		sealedImmut   *models.SealedImmutableError
		notReady      *models.NotReadyToConfirmError
		invariant     *models.InternalInvariantError
	)

	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &insufficient), errors.As(err, &capacity):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &empty), errors.As(err, &alreadySealed),
		errors.As(err, &notSealed), errors.As(err, &sealedImmut):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &notReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "reasons": notReady.Reasons})
	case errors.As(err, &invariant):
		config.LogError(config.GetLogger(), "server.go", "respondEngineError", "invariant violation", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

type packItemRequest struct {
	LineItemId int             `json:"line_item_id" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity" binding:"required"`
}

type sealContainerRequest struct {
	SealNumber string `json:"seal_number" binding:"required"`
}

type cancelShipmentRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type declaredTotalsRequest struct {
	DeclaredQuantity decimal.Decimal `json:"declared_quantity"`
	DeclaredWeight   decimal.Decimal `json:"declared_weight"`
	DeclaredValue    decimal.Decimal `json:"declared_value"`
}

func registerRoutes(r *gin.Engine) {
	r.POST("/products", func(c *gin.Context) {
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		product, err := models.CreateProduct(c.Request.Context(), &input)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, product)
	})
	r.GET("/products/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		product, err := models.GetProduct(c.Request.Context(), id)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	})

	r.POST("/line-items", func(c *gin.Context) {
		var input models.NewCommercialLineItem
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		lineItem, err := models.CreateCommercialLineItem(c.Request.Context(), &input)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, lineItem)
	})
	r.GET("/line-items/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		lineItem, err := models.GetCommercialLineItem(c.Request.Context(), id)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, lineItem)
	})
	r.DELETE("/line-items/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		lineItem, err := models.DeleteCommercialLineItem(c.Request.Context(), id)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, lineItem)
	})

	r.POST("/shipments", func(c *gin.Context) {
		var input models.NewShipment
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		shipment, err := models.CreateShipment(c.Request.Context(), &input)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, shipment)
	})
	r.GET("/shipments/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		shipment, err := models.GetShipment(c.Request.Context(), id)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, shipment)
	})
	r.PUT("/shipments/:id/declared-totals", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input declaredTotalsRequest
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		shipment, err := models.UpdateShipmentDeclaredTotals(c.Request.Context(), id,
			input.DeclaredQuantity, input.DeclaredWeight, input.DeclaredValue)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, shipment)
	})
	r.GET("/shipments/:id/can-confirm", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		reasons, err := workflow.CanConfirmShipment(c.Request.Context(), id)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"can_confirm": len(reasons) == 0, "reasons": reasons})
	})
	r.POST("/shipments/:id/confirm", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		shipment, err := workflow.ConfirmShipment(c.Request.Context(), id, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, shipment)
	})
	r.POST("/shipments/:id/cancel", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input cancelShipmentRequest
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		shipment, err := workflow.CancelShipment(c.Request.Context(), id, input.Reason, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, shipment)
	})

	r.POST("/containers", func(c *gin.Context) {
		var input models.NewContainer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		container, err := models.CreateContainer(c.Request.Context(), &input)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, container)
	})
	r.GET("/containers/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		container, err := models.GetContainer(c.Request.Context(), id)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, container)
	})
	r.POST("/containers/:id/items", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input packItemRequest
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := workflow.PackContainerItem(c.Request.Context(), id, input.LineItemId, input.Quantity, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	})
	r.DELETE("/container-items/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		item, err := workflow.RemoveContainerItem(c.Request.Context(), id, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	})
	r.POST("/containers/:id/seal", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input sealContainerRequest
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		container, err := workflow.SealContainer(c.Request.Context(), id, input.SealNumber, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, container)
	})
	r.POST("/containers/:id/unseal", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		container, err := workflow.UnsealContainer(c.Request.Context(), id, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, container)
	})
	r.POST("/containers/:id/auto-pack", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		items, err := workflow.AutoPackContainer(c.Request.Context(), id, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"packed": items})
	})

	r.POST("/boxes", func(c *gin.Context) {
		var input models.NewPackingBox
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		box, err := models.CreatePackingBox(c.Request.Context(), &input)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, box)
	})
	r.GET("/boxes/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		box, err := models.GetPackingBox(c.Request.Context(), id)
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, box)
	})
	r.POST("/boxes/:id/items", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input packItemRequest
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := workflow.PackBoxItem(c.Request.Context(), id, input.LineItemId, input.Quantity, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	})
	r.DELETE("/box-items/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		item, err := workflow.RemoveBoxItem(c.Request.Context(), id, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	})
	r.POST("/boxes/:id/seal", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		box, err := workflow.SealPackingBox(c.Request.Context(), id, actorId(c))
		if err != nil {
			respondEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, box)
	})
}

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

	// Shutdown coordination.
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
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.End()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS: explicit allowlist in production, allow-all in dev.
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
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-actor-id", "x-actor-name")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(actorMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	registerRoutes(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

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

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Row locks plus in-transaction recalculation assume READ COMMITTED.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
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

	// Stop background workers first so they don't start new work while draining.
	cancelDispatcher()

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

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// customErrorLogger logs only requests that accumulated gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
