package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/consensus-hq/agent-pulse-sub000/internal/logging"
	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/ratelimit"
	"github.com/consensus-hq/agent-pulse-sub000/internal/service"
	"github.com/consensus-hq/agent-pulse-sub000/internal/settlement"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
)

type Handler struct {
	registry   *service.RegistryService
	gate       *service.Gate
	store      storage.Store
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	adminToken string
	service    string
	version    string
}

type HandlerParams struct {
	Registry   *service.RegistryService
	Gate       *service.Gate
	Store      storage.Store
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger
	AdminToken string
	Service    string
	Version    string
}

func NewHandler(params HandlerParams) *Handler {
	return &Handler{
		registry:   params.Registry,
		gate:       params.Gate,
		store:      params.Store,
		limiter:    params.Limiter,
		logger:     params.Logger,
		adminToken: params.AdminToken,
		service:    params.Service,
		version:    params.Version,
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.handleHealth)

	v2 := e.Group("/api/v2")
	v2.GET("/agent/:address/alive", h.handleAlive)
	v2.GET("/agent/:address/status", h.handleStatus)
	v2.POST("/agent/pulse", h.handlePulse)
	v2.GET("/signal/:type", h.handleNetworkSignal)
	v2.GET("/signal/:type/:address", h.handleAgentSignal)
	v2.GET("/network/:type", h.handleNetworkSignal)
	v2.GET("/params", h.handleParams)

	admin := v2.Group("/admin", h.requireAdmin)
	admin.POST("/hazard", h.handleUpdateHazard)
	admin.POST("/ttl", h.handleSetTTL)
	admin.POST("/min-pulse", h.handleSetMinPulse)
	admin.POST("/pause", h.handlePause)
	admin.POST("/unpause", h.handleUnpause)
	admin.POST("/transfer-ownership", h.handleTransferOwnership)
	admin.POST("/accept-ownership", h.handleAcceptOwnership)
}

func (h *Handler) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	params, err := h.registry.Params(ctx)
	if err != nil {
		return h.writeError(c, err)
	}
	agents, err := h.store.ListAgents(ctx)
	if err != nil {
		return h.writeError(c, service.Internal("list agents", err))
	}
	logging.AddField(ctx, "op", "health")
	return c.JSON(http.StatusOK, protocol.HealthResponse{
		Status:     "ok",
		Service:    h.service,
		Version:    h.version,
		Paused:     params.Paused,
		TTLSeconds: params.TTLSeconds,
		Agents:     len(agents),
	})
}

// handleAlive is the free tier. It is rate limited per caller; everything
// else about it works even while the registry is paused.
func (h *Handler) handleAlive(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.allowFree(c); err != nil {
		return h.writeError(c, err)
	}
	resp, err := h.registry.IsAlive(ctx, c.Param("address"))
	if err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "alive")
	logging.AddField(ctx, "agent", resp.Address)
	logging.AddField(ctx, "alive", resp.IsAlive)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.allowFree(c); err != nil {
		return h.writeError(c, err)
	}
	resp, err := h.registry.AgentStatus(ctx, c.Param("address"))
	if err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "status")
	logging.AddField(ctx, "agent", resp.Address)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) handlePulse(c echo.Context) error {
	ctx := c.Request().Context()
	var req protocol.PulseRequest
	if err := h.decodeJSON(c, &req); err != nil {
		return h.writeError(c, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
	}
	resp, err := h.registry.Pulse(ctx, req.Address, req.Amount)
	if err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "pulse")
	logging.AddField(ctx, "agent", resp.Agent)
	logging.AddField(ctx, "streak", resp.Streak)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) handleAgentSignal(c echo.Context) error {
	return h.handleSignal(c, c.Param("address"))
}

func (h *Handler) handleNetworkSignal(c echo.Context) error {
	return h.handleSignal(c, "")
}

func (h *Handler) handleSignal(c echo.Context, subject string) error {
	ctx := c.Request().Context()
	typ, ok := protocol.ParseSignalType(c.Param("type"))
	if !ok {
		return h.writeError(c, service.NewAppError(http.StatusBadRequest, "UNKNOWN_SIGNAL", "unknown signal type", false, nil))
	}
	if !typ.NetworkScoped() && subject == "" {
		return h.writeError(c, service.NewAppError(http.StatusBadRequest, "BAD_ADDRESS", "signal requires a subject address", false, nil))
	}
	fresh := isTruthy(c.QueryParam("fresh"))
	proof, err := parsePaymentHeader(c)
	if err != nil {
		return h.writeError(c, service.NewAppError(http.StatusPaymentRequired, "PAYMENT_PROOF_INVALID", err.Error(), false, err))
	}

	result, challenge, err := h.gate.GetSignal(ctx, typ, subject, fresh, proof)
	if err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "signal")
	logging.AddField(ctx, "signal", string(typ))
	logging.AddField(ctx, "fresh", fresh)
	if challenge != nil {
		logging.AddField(ctx, "payment_required", true)
		return c.JSON(http.StatusPaymentRequired, challenge)
	}
	logging.AddField(ctx, "cache_sourced", result.CacheSourced)
	logging.AddField(ctx, "price_atomic", result.PriceCharged)
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) handleParams(c echo.Context) error {
	ctx := c.Request().Context()
	params, err := h.registry.Params(ctx)
	if err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "params")
	return c.JSON(http.StatusOK, params)
}

func (h *Handler) handleUpdateHazard(c echo.Context) error {
	ctx := c.Request().Context()
	var req protocol.UpdateHazardRequest
	if err := h.decodeJSON(c, &req); err != nil {
		return h.writeError(c, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
	}
	if err := h.registry.UpdateHazard(ctx, callerAddress(c), req.Agent, req.Score); err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "update_hazard")
	logging.AddField(ctx, "agent", req.Agent)
	logging.AddField(ctx, "score", req.Score)
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

func (h *Handler) handleSetTTL(c echo.Context) error {
	ctx := c.Request().Context()
	var req protocol.SetTTLRequest
	if err := h.decodeJSON(c, &req); err != nil {
		return h.writeError(c, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
	}
	if err := h.registry.SetTTL(ctx, callerAddress(c), req.TTLSeconds); err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "set_ttl")
	logging.AddField(ctx, "ttl_seconds", req.TTLSeconds)
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

func (h *Handler) handleSetMinPulse(c echo.Context) error {
	ctx := c.Request().Context()
	var req protocol.SetMinPulseRequest
	if err := h.decodeJSON(c, &req); err != nil {
		return h.writeError(c, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
	}
	if err := h.registry.SetMinPulseAmount(ctx, callerAddress(c), req.Amount); err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "set_min_pulse")
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

func (h *Handler) handlePause(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.registry.Pause(ctx, callerAddress(c)); err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "pause")
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

func (h *Handler) handleUnpause(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.registry.Unpause(ctx, callerAddress(c)); err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "unpause")
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

func (h *Handler) handleTransferOwnership(c echo.Context) error {
	ctx := c.Request().Context()
	var req protocol.TransferOwnershipRequest
	if err := h.decodeJSON(c, &req); err != nil {
		return h.writeError(c, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), false, err))
	}
	if err := h.registry.TransferOwnership(ctx, callerAddress(c), req.Candidate); err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "transfer_ownership")
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

func (h *Handler) handleAcceptOwnership(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.registry.AcceptOwnership(ctx, callerAddress(c)); err != nil {
		return h.writeError(c, err)
	}
	logging.AddField(ctx, "op", "accept_ownership")
	return c.JSON(http.StatusOK, protocol.StatusOK{Status: "ok"})
}

// requireAdmin authenticates admin routes with the configured bearer token.
// The acting address still travels in X-Caller-Address, so ownership checks
// run against the registry's stored owner.
func (h *Handler) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != h.adminToken {
			return h.writeError(c, service.NewAppError(http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token", false, nil))
		}
		if callerAddress(c) == "" {
			return h.writeError(c, service.NewAppError(http.StatusBadRequest, "BAD_REQUEST", "X-Caller-Address header is required", false, nil))
		}
		return next(c)
	}
}

func (h *Handler) allowFree(c echo.Context) error {
	if h.limiter == nil {
		return nil
	}
	ok, retryAfter := h.limiter.Allow(c.Request().Context(), freeTierCaller(c))
	if ok {
		return nil
	}
	seconds := int64(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return service.RateLimited(seconds)
}

func freeTierCaller(c echo.Context) string {
	if key := c.Request().Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	return "ip:" + c.RealIP()
}

func callerAddress(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get("X-Caller-Address"))
}

// parsePaymentHeader reads the proof from X-Payment. An absent header means
// the caller is in phase one and wants the challenge.
func parsePaymentHeader(c echo.Context) (*settlement.Proof, error) {
	raw := c.Request().Header.Get("X-Payment")
	if raw == "" {
		return nil, nil
	}
	var proof settlement.Proof
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&proof); err != nil {
		return nil, errors.New("X-Payment header is not a valid payment proof")
	}
	return &proof, nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (h *Handler) writeError(c echo.Context, err error) error {
	ctx := c.Request().Context()
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(ctx, "error_code", appErr.Code)
		logging.AddField(ctx, "error_message", appErr.Message)
		if appErr.RetryAfterSeconds > 0 {
			c.Response().Header().Set("Retry-After", strconv.FormatInt(appErr.RetryAfterSeconds, 10))
		}
		return c.JSON(appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
	}
	logging.AddField(ctx, "error_code", "INTERNAL_ERROR")
	logging.AddField(ctx, "error_message", err.Error())
	return c.JSON(http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "INTERNAL_ERROR",
		Message:   "internal server error",
		Retryable: true,
	}})
}

func (h *Handler) decodeJSON(c echo.Context, out any) error {
	body := c.Request().Body
	defer body.Close()
	limited := io.LimitReader(body, 2<<20)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
