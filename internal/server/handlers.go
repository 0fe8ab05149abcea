package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	"github.com/MarcoPoloResearchLab/featureboard/internal/devices"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type deviceRequestPayload struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

type deviceResponsePayload struct {
	ID         string     `json:"id"`
	Platform   string     `json:"platform"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	var request deviceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	endpoint, err := h.devices.Register(c.Request.Context(), c.GetString(userIDContextKey), request.Token, request.Platform)
	if err != nil {
		h.writeServiceError(c, "device registration failed", err)
		return
	}
	c.JSON(http.StatusOK, newDeviceResponse(endpoint))
}

func (h *httpHandler) handleUnregisterDevice(c *gin.Context) {
	if err := h.devices.Unregister(c.Request.Context(), c.GetString(userIDContextKey), c.Param("token")); err != nil {
		h.writeServiceError(c, "device unregistration failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func newDeviceResponse(endpoint devices.Endpoint) deviceResponsePayload {
	return deviceResponsePayload{
		ID:         endpoint.ID,
		Platform:   string(endpoint.Platform),
		Active:     endpoint.Active,
		LastUsedAt: endpoint.LastUsedAt,
		CreatedAt:  endpoint.CreatedAt,
	}
}

type profilePayload struct {
	PushEnabled  bool            `json:"push_enabled"`
	EmailEnabled bool            `json:"email_enabled"`
	Push         map[string]bool `json:"push"`
	Email        map[string]bool `json:"email"`
}

// profileUpdatePayload leaves absent keys untouched.
type profileUpdatePayload struct {
	PushEnabled  *bool           `json:"push_enabled"`
	EmailEnabled *bool           `json:"email_enabled"`
	Push         map[string]bool `json:"push"`
	Email        map[string]bool `json:"email"`
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	profile, err := h.preferences.Profile(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, "profile lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(profile))
}

func (h *httpHandler) handlePutProfile(c *gin.Context) {
	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.preferences.Profile(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, "profile lookup failed", err)
		return
	}
	if request.PushEnabled != nil {
		profile.SetGlobal(preferences.ChannelPush, *request.PushEnabled)
	}
	if request.EmailEnabled != nil {
		profile.SetGlobal(preferences.ChannelEmail, *request.EmailEnabled)
	}
	for channel, flags := range map[preferences.Channel]map[string]bool{
		preferences.ChannelPush:  request.Push,
		preferences.ChannelEmail: request.Email,
	} {
		for rawType, enabled := range flags {
			notificationType, err := preferences.ParseNotificationType(rawType)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification_type"})
				return
			}
			profile.SetFlag(channel, notificationType, enabled)
		}
	}

	saved, err := h.preferences.SaveProfile(c.Request.Context(), profile)
	if err != nil {
		h.writeServiceError(c, "profile update failed", err)
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(saved))
}

func newProfilePayload(profile preferences.Profile) profilePayload {
	payload := profilePayload{
		PushEnabled:  profile.PushEnabled,
		EmailEnabled: profile.EmailEnabled,
		Push:         make(map[string]bool, len(preferences.NotificationTypes())),
		Email:        make(map[string]bool, len(preferences.NotificationTypes())),
	}
	for _, notificationType := range preferences.NotificationTypes() {
		payload.Push[string(notificationType)] = profile.Flag(preferences.ChannelPush, notificationType)
		payload.Email[string(notificationType)] = profile.Flag(preferences.ChannelEmail, notificationType)
	}
	return payload
}

type overridePayload struct {
	ProjectID  string                              `json:"project_id"`
	Customized bool                                `json:"customized"`
	PushMuted  bool                                `json:"push_muted"`
	EmailMuted bool                                `json:"email_muted"`
	Push       map[string]preferences.OptionalBool `json:"push"`
	Email      map[string]preferences.OptionalBool `json:"email"`
}

// overrideUpdatePayload leaves absent keys untouched; null resets a field to
// inherit from the profile.
type overrideUpdatePayload struct {
	PushMuted  *bool                               `json:"push_muted"`
	EmailMuted *bool                               `json:"email_muted"`
	Push       map[string]preferences.OptionalBool `json:"push"`
	Email      map[string]preferences.OptionalBool `json:"email"`
}

func (h *httpHandler) handleGetOverride(c *gin.Context) {
	projectID := c.Param("projectID")
	override, found, err := h.preferences.Override(c.Request.Context(), c.GetString(userIDContextKey), projectID)
	if err != nil {
		h.writeServiceError(c, "override lookup failed", err)
		return
	}
	if !found {
		override = preferences.Override{ProjectID: projectID}
	}
	c.JSON(http.StatusOK, newOverridePayload(override, found))
}

func (h *httpHandler) handlePutOverride(c *gin.Context) {
	var request overrideUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	projectID := c.Param("projectID")
	override, found, err := h.preferences.Override(c.Request.Context(), userID, projectID)
	if err != nil {
		h.writeServiceError(c, "override lookup failed", err)
		return
	}
	if !found {
		override = preferences.Override{UserID: userID, ProjectID: projectID}
	}
	if request.PushMuted != nil {
		override.SetMuted(preferences.ChannelPush, *request.PushMuted)
	}
	if request.EmailMuted != nil {
		override.SetMuted(preferences.ChannelEmail, *request.EmailMuted)
	}
	for channel, fields := range map[preferences.Channel]map[string]preferences.OptionalBool{
		preferences.ChannelPush:  request.Push,
		preferences.ChannelEmail: request.Email,
	} {
		for rawType, value := range fields {
			notificationType, err := preferences.ParseNotificationType(rawType)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification_type"})
				return
			}
			override.SetField(channel, notificationType, value)
		}
	}

	saved, err := h.preferences.SaveOverride(c.Request.Context(), override)
	if err != nil {
		h.writeServiceError(c, "override update failed", err)
		return
	}
	c.JSON(http.StatusOK, newOverridePayload(saved, true))
}

func (h *httpHandler) handleDeleteOverride(c *gin.Context) {
	if err := h.preferences.ClearOverride(c.Request.Context(), c.GetString(userIDContextKey), c.Param("projectID")); err != nil {
		h.writeServiceError(c, "override removal failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func newOverridePayload(override preferences.Override, customized bool) overridePayload {
	payload := overridePayload{
		ProjectID:  override.ProjectID,
		Customized: customized,
		PushMuted:  override.PushMuted,
		EmailMuted: override.EmailMuted,
		Push:       make(map[string]preferences.OptionalBool, len(preferences.NotificationTypes())),
		Email:      make(map[string]preferences.OptionalBool, len(preferences.NotificationTypes())),
	}
	for _, notificationType := range preferences.NotificationTypes() {
		payload.Push[string(notificationType)] = override.Field(preferences.ChannelPush, notificationType)
		payload.Email[string(notificationType)] = override.Field(preferences.ChannelEmail, notificationType)
	}
	return payload
}

type statusGatePayload struct {
	ProjectID string   `json:"project_id"`
	Statuses  []string `json:"statuses"`
}

type statusGateUpdatePayload struct {
	Statuses []string `json:"statuses"`
}

func (h *httpHandler) handleGetStatusGate(c *gin.Context) {
	projectID := c.Param("projectID")
	statuses, err := h.gate.Statuses(c.Request.Context(), projectID)
	if err != nil {
		h.writeServiceError(c, "status gate lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, statusGatePayload{ProjectID: projectID, Statuses: nonNil(statuses)})
}

func (h *httpHandler) handlePutStatusGate(c *gin.Context) {
	var request statusGateUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	projectID := c.Param("projectID")
	statuses, err := h.gate.SetStatuses(c.Request.Context(), projectID, request.Statuses)
	if err != nil {
		h.writeServiceError(c, "status gate update failed", err)
		return
	}
	h.logger.Info("status gate updated",
		zap.String("project_id", projectID),
		zap.Strings("statuses", statuses),
		zap.String("user_id", c.GetString(userIDContextKey)))
	c.JSON(http.StatusOK, statusGatePayload{ProjectID: projectID, Statuses: nonNil(statuses)})
}

// handleIngestEvent accepts an event from a mutation handler in another
// process. It answers 202 before any resolution happens; malformed events
// are dropped by the engine, not reported back.
func (h *httpHandler) handleIngestEvent(c *gin.Context) {
	var event activity.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.events.Submit(event)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
