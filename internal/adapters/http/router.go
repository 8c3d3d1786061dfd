// Package http is the local control surface a UI shell drives the session layer through.
package http

import (
	"context"

	"github.com/dkeye/voicelink/internal/adapters/ui"
	"github.com/dkeye/voicelink/internal/app/playout"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/signal"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type SessionControl interface {
	Status() signal.Status
	Foreground(ctx context.Context) error
	RequestLogout()
	Logout()
}

type CallControl interface {
	Call(ctx context.Context, target domain.UserID, kind domain.CallType) (domain.CallSnapshot, error)
	Accept(ctx context.Context) error
	Reject() error
	Hangup() error
	Snapshot() (domain.CallSnapshot, bool)
}

type GroupControl interface {
	Initiate(ctx context.Context, roomID domain.RoomID, kind domain.CallType) (*domain.GroupCallSession, error)
	Join(ctx context.Context, desc domain.CallDescriptor) (*domain.GroupCallSession, error)
	Invitation(id domain.CallSessionID) (domain.CallDescriptor, bool)
	Invitations() []domain.CallDescriptor
	Decline(ctx context.Context, id domain.CallSessionID) error
	Leave(ctx context.Context) error
	End(ctx context.Context) error
	Session() (*domain.GroupCallSession, bool)
}

type MessageControl interface {
	Send(ctx context.Context, roomID domain.RoomID, content string) (domain.Message, error)
	MarkSeen(ids []string) int
	Messages(roomID domain.RoomID) []domain.Message
}

type RoomControl interface {
	JoinRoom(id domain.RoomID) error
	LeaveRoom(id domain.RoomID) error
	Rooms() []domain.RoomID
	SetLanguage(lang string) error
	Language() string
	Mute(name string, muted bool) int
}

type PresenceSource interface {
	Presences() []domain.Presence
}

type PlayoutSource interface {
	Relays() []playout.RelayInfo
}

// Deps are the components the control surface exposes.
type Deps struct {
	Session  SessionControl
	Calls    CallControl
	Group    GroupControl
	Messages MessageControl
	Rooms    RoomControl
	Presence PresenceSource
	Playout  PlayoutSource
	Notices  *ui.Notifier
}

// RequestIDMiddleware tags every request with an id for correlating log lines.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	h := &handlers{d: d}
	api := r.Group("/api")

	api.GET("/status", h.status)
	api.GET("/notices", h.notices)

	api.POST("/session/foreground", h.foreground)
	api.POST("/session/logout", h.logout)

	api.POST("/rooms/:id/join", h.joinRoom)
	api.POST("/rooms/:id/leave", h.leaveRoom)
	api.POST("/language", h.language)

	api.POST("/calls", h.call)
	api.POST("/calls/accept", h.accept)
	api.POST("/calls/reject", h.reject)
	api.POST("/calls/hangup", h.hangup)

	api.GET("/group", h.group)
	api.POST("/group/initiate", h.groupInitiate)
	api.POST("/group/join", h.groupJoin)
	api.POST("/group/decline", h.groupDecline)
	api.POST("/group/leave", h.groupLeave)
	api.POST("/group/end", h.groupEnd)

	api.GET("/messages", h.messages)
	api.POST("/messages", h.sendMessage)
	api.POST("/messages/seen", h.markSeen)

	api.GET("/presence", h.presence)
	api.GET("/playout", h.playout)
	api.POST("/playout/mute", h.mute)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
