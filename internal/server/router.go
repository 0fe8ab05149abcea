package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	"github.com/MarcoPoloResearchLab/featureboard/internal/auth"
	"github.com/MarcoPoloResearchLab/featureboard/internal/devices"
	"github.com/MarcoPoloResearchLab/featureboard/internal/directory"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"github.com/MarcoPoloResearchLab/featureboard/internal/statusgate"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "featureboard_user_id"
	ingestTokenHeader = "X-Ingest-Token"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingPreferences      = errors.New("preference store dependency required")
	errMissingDevices          = errors.New("device registry dependency required")
	errMissingStatusGate       = errors.New("status gate dependency required")
	errMissingProjects         = errors.New("project directory dependency required")
	errMissingEvents           = errors.New("event sink dependency required")
	errMissingIngestToken      = errors.New("ingest token required")
)

// SessionValidator authenticates browser and mobile requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to the canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
}

// PreferenceStore persists profiles and project overrides.
type PreferenceStore interface {
	Profile(ctx context.Context, userID string) (preferences.Profile, error)
	SaveProfile(ctx context.Context, profile preferences.Profile) (preferences.Profile, error)
	Override(ctx context.Context, userID, projectID string) (preferences.Override, bool, error)
	SaveOverride(ctx context.Context, override preferences.Override) (preferences.Override, error)
	ClearOverride(ctx context.Context, userID, projectID string) error
}

// DeviceRegistry tracks push endpoints.
type DeviceRegistry interface {
	Register(ctx context.Context, userID, token, platform string) (devices.Endpoint, error)
	Unregister(ctx context.Context, userID, token string) error
}

// StatusGateStore reads and replaces a project's gate set.
type StatusGateStore interface {
	Statuses(ctx context.Context, projectID string) ([]string, error)
	SetStatuses(ctx context.Context, projectID string, statuses []string) ([]string, error)
}

// ProjectDirectory answers project ownership.
type ProjectDirectory interface {
	IsOwner(ctx context.Context, projectID, userID string) (bool, error)
}

// EventSink accepts activity events without blocking.
type EventSink interface {
	Submit(event activity.Event)
}

// Dependencies wires the HTTP surface to the notification services.
type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	Preferences      PreferenceStore
	Devices          DeviceRegistry
	StatusGate       StatusGateStore
	Projects         ProjectDirectory
	Events           EventSink
	IngestToken      string
	AllowedOrigins   []string
	// MetricsHandler serves /metrics; promhttp.Handler() when nil.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserResolver
	case deps.Preferences == nil:
		return nil, errMissingPreferences
	case deps.Devices == nil:
		return nil, errMissingDevices
	case deps.StatusGate == nil:
		return nil, errMissingStatusGate
	case deps.Projects == nil:
		return nil, errMissingProjects
	case deps.Events == nil:
		return nil, errMissingEvents
	case strings.TrimSpace(deps.IngestToken) == "":
		return nil, errMissingIngestToken
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		users:       deps.Users,
		preferences: deps.Preferences,
		devices:     deps.Devices,
		gate:        deps.StatusGate,
		projects:    deps.Projects,
		events:      deps.Events,
		ingestToken: []byte(strings.TrimSpace(deps.IngestToken)),
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.POST("/internal/events", handler.authorizeIngest, handler.handleIngestEvent)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/devices", handler.handleRegisterDevice)
	protected.DELETE("/devices/:token", handler.handleUnregisterDevice)
	protected.GET("/preferences", handler.handleGetProfile)
	protected.PUT("/preferences", handler.handlePutProfile)
	protected.GET("/projects/:projectID/preferences", handler.handleGetOverride)
	protected.PUT("/projects/:projectID/preferences", handler.handlePutOverride)
	protected.DELETE("/projects/:projectID/preferences", handler.handleDeleteOverride)
	protected.GET("/projects/:projectID/status-gate", handler.authorizeOwner, handler.handleGetStatusGate)
	protected.PUT("/projects/:projectID/status-gate", handler.authorizeOwner, handler.handlePutStatusGate)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
	} else {
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions    SessionValidator
	users       UserResolver
	preferences PreferenceStore
	devices     DeviceRegistry
	gate        StatusGateStore
	projects    ProjectDirectory
	events      EventSink
	ingestToken []byte
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Error("canonical user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) authorizeOwner(c *gin.Context) {
	owner, err := h.projects.IsOwner(c.Request.Context(), c.Param("projectID"), c.GetString(userIDContextKey))
	if err != nil {
		if errors.Is(err, directory.ErrProjectNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "project_not_found"})
			return
		}
		h.logger.Error("project ownership lookup failed", zap.String("project_id", c.Param("projectID")), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ownership_lookup_failed"})
		return
	}
	if !owner {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) authorizeIngest(c *gin.Context) {
	presented := []byte(strings.TrimSpace(c.GetHeader(ingestTokenHeader)))
	if len(presented) == 0 || subtle.ConstantTimeCompare(presented, h.ingestToken) != 1 {
		h.logger.Warn("ingest token rejected", zap.String("remote_addr", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

type codedError interface {
	Code() string
}

// writeServiceError maps store and registry errors onto HTTP responses. The
// body always carries a stable error code.
func (h *httpHandler) writeServiceError(c *gin.Context, message string, err error) {
	code := "internal_error"
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, preferences.ErrInvalidUserID),
		errors.Is(err, preferences.ErrInvalidProjectID),
		errors.Is(err, preferences.ErrInvalidChannel),
		errors.Is(err, preferences.ErrInvalidNotificationType),
		errors.Is(err, devices.ErrInvalidUserID),
		errors.Is(err, devices.ErrInvalidToken),
		errors.Is(err, devices.ErrInvalidPlatform),
		errors.Is(err, statusgate.ErrInvalidProjectID),
		errors.Is(err, statusgate.ErrUnknownStatus):
		status = http.StatusBadRequest
	case errors.Is(err, devices.ErrEndpointNotFound):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.String("code", code), zap.Error(err))
	} else {
		h.logger.Debug(message, zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
