package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/records"
	"github.com/MarcoPoloResearchLab/tunesync/internal/registry"
	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "tunesync_user_id"
	deviceIDContextKey = "tunesync_device_id"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecordsService = errors.New("records service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
	errMissingDeviceHeader   = errors.New("X-Device-ID header is required")
)

// TokenValidator resolves a bearer token into a principal id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// RecordsService is the server of record behind the sync routes.
type RecordsService interface {
	ApplyChanges(ctx context.Context, userID, deviceID string, changes []remote.Change) (remote.PushResponse, error)
	Watermark(ctx context.Context) (int64, error)
	ListChangesSince(ctx context.Context, query records.ChangesQuery) (remote.ChangesResponse, error)
}

type Dependencies struct {
	TokenValidator TokenValidator
	Records        RecordsService
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Records == nil {
		return nil, errMissingRecordsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:  deps.TokenValidator,
		records: deps.Records,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/sync")
	protected.Use(handler.authorizeRequest)
	protected.POST("/push", handler.handlePush)
	protected.GET("/watermark", handler.handleWatermark)
	protected.GET("/tables/:table/changes", handler.handleChanges)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", remote.DeviceHeader},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens  TokenValidator
	records RecordsService
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	deviceID := c.GetString(deviceIDContextKey)

	var request remote.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Changes) == 0 {
		writeError(c, http.StatusBadRequest, "invalid_request", "request must carry at least one change")
		return
	}
	if len(request.Changes) > remote.MaxPushBatch {
		writeError(c, http.StatusRequestEntityTooLarge, "batch_too_large", "at most "+strconv.Itoa(remote.MaxPushBatch)+" changes per request")
		return
	}

	response, err := h.records.ApplyChanges(c.Request.Context(), userID, deviceID, request.Changes)
	if err != nil {
		h.logger.Error("failed to apply changes", zap.String("user_id", userID), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "sync_failed", "changes could not be applied")
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleWatermark(c *gin.Context) {
	watermark, err := h.records.Watermark(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read watermark", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "watermark_failed", "watermark unavailable")
		return
	}
	c.JSON(http.StatusOK, remote.WatermarkResponse{ServerSeq: watermark})
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	since, err := parseSequence(c.Query("since"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_query", "since must be a non-negative integer")
		return
	}
	until, err := parseSequence(c.Query("until"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_query", "until must be a non-negative integer")
		return
	}
	limit, err := parseSequence(c.Query("limit"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_query", "limit must be a non-negative integer")
		return
	}

	response, err := h.records.ListChangesSince(c.Request.Context(), records.ChangesQuery{
		UserID:   c.GetString(userIDContextKey),
		DeviceID: c.GetString(deviceIDContextKey),
		Table:    c.Param("table"),
		Since:    since,
		Until:    until,
		Limit:    int(limit),
	})
	if err != nil {
		if errors.Is(err, registry.ErrUnregisteredTable) {
			writeError(c, http.StatusBadRequest, "unregistered_table", err.Error())
			return
		}
		h.logger.Error("failed to list changes", zap.String("table", c.Param("table")), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "list_failed", "changes unavailable")
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abortWithError(c, http.StatusUnauthorized, "unauthorized", errInvalidAuthorization.Error())
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		abortWithError(c, http.StatusUnauthorized, "unauthorized", errInvalidAuthorization.Error())
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		abortWithError(c, http.StatusUnauthorized, "unauthorized", "token rejected")
		return
	}
	deviceID := strings.TrimSpace(c.GetHeader(remote.DeviceHeader))
	if deviceID == "" {
		abortWithError(c, http.StatusBadRequest, "missing_device_id", errMissingDeviceHeader.Error())
		return
	}
	c.Set(userIDContextKey, subject)
	c.Set(deviceIDContextKey, deviceID)
	c.Next()
}

func parseSequence(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, errors.New("negative value")
	}
	return parsed, nil
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, remote.ErrorResponse{Error: message, Code: code})
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, remote.ErrorResponse{Error: message, Code: code})
}
