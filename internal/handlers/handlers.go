package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/auth"
	"github.com/example/face-check/internal/logging"
	"github.com/example/face-check/internal/usecase"
)

// DefaultMaxBodyBytes bounds JSON request bodies when Options leaves it unset.
const DefaultMaxBodyBytes = 32 << 20

// Options tunes the HTTP layer.
type Options struct {
	// MaxBodyBytes caps request bodies; larger bodies get a 413.
	MaxBodyBytes int64
	// ExposeInternalErrors sends the raw error text of unexpected failures
	// to clients. When false they get a generic message; the full error is
	// logged either way.
	ExposeInternalErrors bool
	// ResultAuth guards GET /result/:id. Nil leaves the route open.
	ResultAuth gin.HandlerFunc
}

type faceRequest struct {
	UserID userID `json:"user_id"`
	Image  string `json:"image"`
}

// userID accepts a JSON string or number. Numbers keep their literal text;
// zero counts as absent.
type userID string

func (u *userID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*u = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user_id must be a string or a number: %w", err)
	}
	if f, err := n.Float64(); err == nil && f == 0 {
		*u = ""
		return nil
	}
	*u = userID(n.String())
	return nil
}

type handler struct {
	uc     *usecase.FaceUseCase
	logger *zap.Logger
	opts   Options
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.FaceUseCase, logger *zap.Logger, opts Options) {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &handler{uc: uc, logger: logger.Named("http"), opts: opts}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/register", h.register)
	router.POST("/verify", h.verify)

	result := []gin.HandlerFunc{h.result}
	if opts.ResultAuth != nil {
		result = append([]gin.HandlerFunc{opts.ResultAuth}, result...)
	}
	router.GET("/result/:id", result...)
}

func (h *handler) register(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	if err := h.uc.Register(c.Request.Context(), string(req.UserID), req.Image); err != nil {
		h.fail(c, "http.register", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Face registered successfully"})
}

func (h *handler) verify(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	result, err := h.uc.Verify(c.Request.Context(), string(req.UserID), req.Image)
	if err != nil {
		h.fail(c, "http.verify", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"match":      result.Match,
		"distance":   result.Distance,
		"confidence": result.Confidence,
		"request_id": result.RequestID,
	})
}

func (h *handler) result(c *gin.Context) {
	requestID := c.Param("id")
	if requestID == "" {
		respondError(c, http.StatusBadRequest, "id is required")
		return
	}

	log, err := h.uc.GetResult(c.Request.Context(), requestID)
	if err != nil {
		h.fail(c, "http.result", err)
		return
	}

	if subject, ok := auth.GetUserID(c.Request.Context()); ok && subject != log.UserID {
		respondError(c, http.StatusNotFound, messageResultNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"request_id": log.RequestID,
		"user_id":    log.UserID,
		"match":      log.Matched,
		"distance":   log.Distance,
		"confidence": log.Confidence,
		"created_at": log.CreatedAt,
	})
}

// bind decodes the JSON body. Absent fields stay empty and are reported by
// the use case as missing.
func (h *handler) bind(c *gin.Context) (faceRequest, bool) {
	var req faceRequest
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes)
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "Request body too large")
			return req, false
		}
		h.logger.Info("rejecting malformed request body", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusBadRequest, "Invalid request payload")
		return req, false
	}
	return req, true
}

func (h *handler) fail(c *gin.Context, operation string, err error) {
	status, message, known := classify(err)
	if !known {
		logging.WithOperation(h.logger, operation, "").Error("request failed", zap.Error(err))
		message = h.internalMessage(err)
	}
	respondError(c, status, message)
}

func (h *handler) internalMessage(err error) string {
	if h.opts.ExposeInternalErrors {
		if cause := logging.Cause(err); cause != "" {
			return cause
		}
	}
	return messageInternal
}

func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}
