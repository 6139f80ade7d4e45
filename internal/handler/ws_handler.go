package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/device"
	"github.com/stemsi/exstem-interview/internal/metrics"
	"github.com/stemsi/exstem-interview/internal/middleware"
	"github.com/stemsi/exstem-interview/internal/response"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// DeviceGate decides whether a page may attach as a session's device.
type DeviceGate interface {
	AuthorizeDevice(sessionID, token string) error
}

// WSHandler attaches candidate pages as session devices.
type WSHandler struct {
	hub      *device.Hub
	gate     DeviceGate
	linkOpts device.LinkOptions
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *device.Hub, gate DeviceGate, linkOpts device.LinkOptions, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:      hub,
		gate:     gate,
		linkOpts: linkOpts,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// DeviceStream godoc
// WS /ws/v1/sessions/:session_id/device?token=...
// Upgrades to WebSocket and serves the page as the session's device until
// it disconnects. A newer connection for the same session replaces this one.
func (h *WSHandler) DeviceStream(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if err := h.gate.AuthorizeDevice(sessionID, middleware.GetToken(c)); err != nil {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wsLog := h.log.With().
		Str("session_id", sessionID).
		Str("subject", middleware.GetSubject(c)).
		Logger()

	link := device.NewLink(sessionID, conn, h.linkOpts, h.log)
	h.hub.Attach(link)
	metrics.ConnectedDevices.Inc()
	defer func() {
		h.hub.Detach(link)
		metrics.ConnectedDevices.Dec()
	}()

	wsLog.Info().Msg("Device connected")
	if err := link.Serve(c.Request.Context()); err != nil {
		wsLog.Warn().Err(err).Msg("Device stream ended with error")
		return
	}
	wsLog.Info().Msg("Device disconnected")
}
