package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/service"
	"otp-service/internal/util"
)

// OTPHandler handles HTTP requests for the OTP lifecycle
type OTPHandler struct {
	otpService *service.OTPService
	logger     *zap.Logger
}

func NewOTPHandler(otpService *service.OTPService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type IssueRequest struct {
	Mobile  string `json:"mobile"`
	UserID  string `json:"user_id,omitempty"`
	Purpose string `json:"purpose"`
}

type VerifyRequest struct {
	OTPID   string `json:"otp_id"`
	Code    string `json:"code"`
	Purpose string `json:"purpose"`
}

// RegisterRoutes registers all OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/issue", h.IssueOTP)
		r.Post("/verify", h.VerifyOTP)
		r.Get("/stats", h.GetStats)
	})
}

// IssueOTP generates and dispatches a one-time code
// @Summary Issue an OTP
// @Description Generate a one-time code for a mobile number and deliver it via SMS
// @Tags otp
// @Accept json
// @Produce json
// @Param request body IssueRequest true "OTP issue request"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 429 {object} Response
// @Failure 502 {object} Response
// @Router /otp/issue [post]
func (h *OTPHandler) IssueOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	purpose, err := model.ParsePurpose(req.Purpose)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid purpose")
		return
	}

	result, err := h.otpService.Issue(ctx, req.Mobile, req.UserID, purpose)
	if err != nil {
		var rateLimited *service.RateLimitedError
		if errors.As(err, &rateLimited) {
			seconds := int(math.Ceil(rateLimited.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue OTP")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "OTP sent"))
	h.logger.Info("OTP issued via HTTP",
		util.String("otp_id", result.OTPID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "IssueOTP"),
	)
}

// VerifyOTP checks a submitted code against its challenge
// @Summary Verify an OTP
// @Description Verify a one-time code for a previously issued challenge
// @Tags otp
// @Accept json
// @Produce json
// @Param request body VerifyRequest true "OTP verify request"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 403 {object} Response
// @Failure 404 {object} Response
// @Failure 409 {object} Response
// @Failure 410 {object} Response
// @Router /otp/verify [post]
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.OTPID == "" || req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("otp_id and code are required"), "Missing required fields")
		return
	}

	purpose, err := model.ParsePurpose(req.Purpose)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid purpose")
		return
	}

	result, err := h.otpService.Verify(ctx, req.OTPID, req.Code, purpose)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify OTP")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "OTP verified"))
	h.logger.Info("OTP verified via HTTP",
		util.String("otp_id", result.OTPID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyOTP"),
	)
}

// GetStats returns process-local service counters
// @Summary OTP service stats
// @Produce json
// @Success 200 {object} Response
// @Router /otp/stats [get]
func (h *OTPHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := h.otpService.GetStats()
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Stats retrieved"))
}

// HealthCheck reports whether the backing stores are reachable
func (h *OTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.otpService.HealthCheck(r.Context()); err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Service unhealthy")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"status": "healthy"}, "Service healthy"))
}

func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *OTPHandler) getStatusCode(err error) int {
	var rateLimited *service.RateLimitedError
	var invalidOTP *service.InvalidOTPError

	switch {
	case errors.Is(err, service.ErrInvalidFormat):
		return http.StatusBadRequest
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyUsed):
		return http.StatusConflict
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrMaxAttempts):
		return http.StatusForbidden
	case errors.As(err, &invalidOTP):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
