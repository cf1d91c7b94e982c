package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gregtusar/perpexec/pkg/journal"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Executor interface {
	PlaceLimitOrder(ctx context.Context, req models.OrderRequest) models.OrderResult
	PlaceMarketOrder(ctx context.Context, req models.OrderRequest) models.OrderResult
	PlaceOrders(ctx context.Context, reqs []models.OrderRequest) models.BatchOrderResult
	CancelOrder(ctx context.Context, market uint8, orderID int64) models.CancelResult
	CancelAllOrders(ctx context.Context, market *uint8) models.CancelResult
	NextNonce(ctx context.Context, apiKeyIndex uint8) (models.NonceResult, error)
}

type Positions interface {
	AccountStatus(ctx context.Context) (*models.Account, error)
	GetPositions(ctx context.Context) models.PositionsResult
	GetPositionPnL(ctx context.Context, market uint8) models.PositionPnL
	ClosePositionMarket(ctx context.Context, market uint8, maxSlippagePercent *decimal.Decimal) models.ClosePositionResult
	ClosePositionLimit(ctx context.Context, market uint8, limitPrice decimal.Decimal) models.ClosePositionResult
}

type History interface {
	List(ctx context.Context, limit int) ([]journal.Entry, error)
}

type Options struct {
	Port int
	// JWTSecret enables bearer auth on every route but health.
	JWTSecret string
	// DefaultAPIKeyIndex is reported by /api/nonce when no key is named.
	DefaultAPIKeyIndex uint8
}

type Server struct {
	exec       Executor
	positions  Positions
	history    History
	jwtSecret  string
	defaultKey uint8
	logger     *logrus.Logger
	engine     *gin.Engine
	srv        *http.Server
}

// NewServer builds the router. history may be nil when the journal is
// disabled.
func NewServer(exec Executor, positions Positions, history History, opts Options, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		exec:       exec,
		positions:  positions,
		history:    history,
		jwtSecret:  opts.JWTSecret,
		defaultKey: opts.DefaultAPIKeyIndex,
		logger:     logger,
		engine:     gin.New(),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())

	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)

	protected := api.Group("")
	if s.jwtSecret != "" {
		protected.Use(s.authRequired())
	}
	protected.GET("/account", s.handleAccount)
	protected.GET("/positions", s.handlePositions)
	protected.GET("/positions/:market/pnl", s.handlePnL)
	protected.POST("/positions/:market/close", s.handleClose)
	protected.POST("/orders/limit", s.handlePlaceOrder(models.OrderTypeLimit))
	protected.POST("/orders/market", s.handlePlaceOrder(models.OrderTypeMarket))
	protected.POST("/orders/batch", s.handlePlaceOrders)
	protected.DELETE("/orders/:market/:order_id", s.handleCancel)
	protected.DELETE("/orders", s.handleCancelAll)
	protected.GET("/nonce", s.handleNonce)
	protected.GET("/history", s.handleHistory)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Debug("Handled request")
	}
}

// statusFor maps a failed result onto an HTTP status. The body always
// carries the full result.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case "":
		return http.StatusOK
	case models.KindInvalidRequest, models.KindInvalidMagnitude:
		return http.StatusBadRequest
	case models.KindNoOpenPosition:
		return http.StatusNotFound
	case models.KindExchangeRejected:
		return http.StatusUnprocessableEntity
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	case models.KindTransport, models.KindNonceFetch:
		return http.StatusBadGateway
	case models.KindConfigNotFound, models.KindSignerInit:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	kind := models.KindOf(err)
	c.JSON(statusFor(kind), gin.H{"success": false, "error": err.Error(), "error_kind": kind})
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidRequest, msg)
}

func marketParam(c *gin.Context, name string) (uint8, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 8)
	if err != nil {
		return 0, badRequest("market must be an integer in [0,255]")
	}
	return uint8(v), nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	acc, err := s.positions.AccountStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (s *Server) handlePositions(c *gin.Context) {
	res := s.positions.GetPositions(c.Request.Context())
	c.JSON(statusFor(res.ErrorKind), res)
}

func (s *Server) handlePnL(c *gin.Context) {
	market, err := marketParam(c, "market")
	if err != nil {
		writeError(c, err)
		return
	}
	res := s.positions.GetPositionPnL(c.Request.Context(), market)
	c.JSON(statusFor(res.ErrorKind), res)
}

type closeRequest struct {
	Type               string           `json:"type"`
	MaxSlippagePercent *decimal.Decimal `json:"max_slippage_percent"`
	LimitPrice         *decimal.Decimal `json:"limit_price"`
}

func (s *Server) handleClose(c *gin.Context) {
	market, err := marketParam(c, "market")
	if err != nil {
		writeError(c, err)
		return
	}
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
		return
	}

	var res models.ClosePositionResult
	switch req.Type {
	case "", "market":
		res = s.positions.ClosePositionMarket(c.Request.Context(), market, req.MaxSlippagePercent)
	case "limit":
		if req.LimitPrice == nil {
			writeError(c, badRequest("limit_price is required for a limit close"))
			return
		}
		res = s.positions.ClosePositionLimit(c.Request.Context(), market, *req.LimitPrice)
	default:
		writeError(c, badRequest("type must be market or limit"))
		return
	}
	c.JSON(statusFor(res.ErrorKind), res)
}

func (s *Server) handlePlaceOrder(orderType models.OrderType) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
			return
		}

		var res models.OrderResult
		if orderType == models.OrderTypeMarket {
			res = s.exec.PlaceMarketOrder(c.Request.Context(), req)
		} else {
			res = s.exec.PlaceLimitOrder(c.Request.Context(), req)
		}
		c.JSON(statusFor(res.ErrorKind), res)
	}
}

type batchOrder struct {
	models.OrderRequest
	Type string `json:"type"`
}

type batchRequest struct {
	Orders []batchOrder `json:"orders"`
}

// handlePlaceOrders submits every order in one batch transaction; each
// order's type is limit or market.
func (s *Server) handlePlaceOrders(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
		return
	}
	reqs := make([]models.OrderRequest, 0, len(req.Orders))
	for i, o := range req.Orders {
		switch o.Type {
		case "limit", "":
			o.OrderRequest.Type = models.OrderTypeLimit
		case "market":
			o.OrderRequest.Type = models.OrderTypeMarket
		default:
			writeError(c, badRequest(fmt.Sprintf("order %d: type must be limit or market", i)))
			return
		}
		reqs = append(reqs, o.OrderRequest)
	}
	res := s.exec.PlaceOrders(c.Request.Context(), reqs)
	c.JSON(statusFor(res.ErrorKind), res)
}

func (s *Server) handleCancel(c *gin.Context) {
	market, err := marketParam(c, "market")
	if err != nil {
		writeError(c, err)
		return
	}
	orderID, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
	if err != nil {
		writeError(c, badRequest("order_id must be an integer"))
		return
	}
	res := s.exec.CancelOrder(c.Request.Context(), market, orderID)
	c.JSON(statusFor(res.ErrorKind), res)
}

func (s *Server) handleCancelAll(c *gin.Context) {
	var market *uint8
	if raw, ok := c.GetQuery("market"); ok && raw != "" {
		v, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			writeError(c, badRequest("market must be an integer in [0,255]"))
			return
		}
		m := uint8(v)
		market = &m
	}
	res := s.exec.CancelAllOrders(c.Request.Context(), market)
	c.JSON(statusFor(res.ErrorKind), res)
}

func (s *Server) handleNonce(c *gin.Context) {
	key := s.defaultKey
	if raw, ok := c.GetQuery("api_key_index"); ok && raw != "" {
		v, err := strconv.ParseUint(raw, 10, 8)
		if err != nil || v == uint64(models.APIKeyIndexAll) {
			writeError(c, badRequest("api_key_index must be in [0,254]"))
			return
		}
		key = uint8(v)
	}
	res, err := s.exec.NextNonce(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "submission journal is disabled"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, badRequest("limit must be an integer"))
			return
		}
		limit = v
	}
	entries, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entries": entries})
}
