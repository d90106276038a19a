package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/monitoring"
	"meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/errors"
	"meshcall/pkg/logger"
	"meshcall/pkg/validation"
)

// Conference is the command and diagnostics surface served over HTTP.
type Conference interface {
	ports.ConferenceCommands
	ports.ConferenceView
	QualityHistory(peerID domain.ParticipantID) []domain.StatsSample
}

type DeviceLister interface {
	Devices() []webrtc.Device
}

type ConferenceHandler struct {
	conference Conference
	devices    DeviceLister
	health     *monitoring.HealthChecker
}

func NewConferenceHandler(conference Conference, devices DeviceLister, health *monitoring.HealthChecker) *ConferenceHandler {
	return &ConferenceHandler{
		conference: conference,
		devices:    devices,
		health:     health,
	}
}

// SetupRoutes registers the handlers. commandMiddleware applies to the
// mutating routes only.
func (h *ConferenceHandler) SetupRoutes(router *gin.Engine, commandMiddleware ...gin.HandlerFunc) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/conference", h.GetConference)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:peer/quality", h.GetQualityHistory)
		api.GET("/devices", h.ListDevices)
	}

	commands := api.Group("/commands", commandMiddleware...)
	{
		commands.POST("/toggle-audio", h.ToggleAudio)
		commands.POST("/toggle-video", h.ToggleVideo)
		commands.POST("/share-screen", h.ShareScreen)
		commands.POST("/stop-screen-share", h.StopScreenShare)
		commands.POST("/switch-device", h.SwitchDevice)
		commands.POST("/leave", h.Leave)
	}
}

func (h *ConferenceHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *ConferenceHandler) GetConference(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"identity": h.conference.Identity(),
		"room_id":  h.conference.Room(),
		"status":   h.conference.Status(),
		"capture":  h.conference.Capture(),
	})
}

func (h *ConferenceHandler) ListSessions(c *gin.Context) {
	sessions := h.conference.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *ConferenceHandler) GetQualityHistory(c *gin.Context) {
	peer := c.Param("peer")
	if err := validation.ValidateParticipantID(peer); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	c.Request = c.Request.WithContext(logger.WithPeerID(c.Request.Context(), peer))

	peerID := domain.ParticipantID(peer)
	if !h.hasSession(peerID) {
		_ = c.Error(domain.ErrPeerNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"peer_id": peerID,
		"samples": h.conference.QualityHistory(peerID),
	})
}

func (h *ConferenceHandler) hasSession(peerID domain.ParticipantID) bool {
	for _, s := range h.conference.Sessions() {
		if s.PeerID == peerID {
			return true
		}
	}
	return false
}

func (h *ConferenceHandler) ListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": h.devices.Devices()})
}

func (h *ConferenceHandler) ToggleAudio(c *gin.Context) {
	h.toggle(c, h.conference.ToggleAudio)
}

func (h *ConferenceHandler) ToggleVideo(c *gin.Context) {
	h.toggle(c, h.conference.ToggleVideo)
}

func (h *ConferenceHandler) toggle(c *gin.Context, fn func() (bool, error)) {
	enabled, err := fn()
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (h *ConferenceHandler) ShareScreen(c *gin.Context) {
	if err := h.conference.ShareScreen(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capture": h.conference.Capture()})
}

func (h *ConferenceHandler) StopScreenShare(c *gin.Context) {
	if err := h.conference.StopScreenShare(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capture": h.conference.Capture()})
}

type SwitchDeviceRequest struct {
	Kind     string `json:"kind" binding:"required"`
	DeviceID string `json:"device_id"`
}

func (h *ConferenceHandler) SwitchDevice(c *gin.Context) {
	var req SwitchDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateTrackKind(req.Kind); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDeviceID(req.DeviceID); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.conference.SwitchDevice(c.Request.Context(), domain.TrackKind(req.Kind), req.DeviceID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capture": h.conference.Capture()})
}

func (h *ConferenceHandler) Leave(c *gin.Context) {
	if err := h.conference.LeaveRoom(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.conference.Status()})
}
