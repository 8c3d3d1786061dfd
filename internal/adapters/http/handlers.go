package http

import (
	"errors"
	nethttp "net/http"
	"strconv"

	"github.com/dkeye/voicelink/internal/app/calls"
	"github.com/dkeye/voicelink/internal/app/delivery"
	"github.com/dkeye/voicelink/internal/app/group"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	d Deps
}

// statusFor maps component errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, calls.ErrBusy), errors.Is(err, group.ErrInSession):
		return nethttp.StatusConflict
	case errors.Is(err, calls.ErrInvalidTarget), errors.Is(err, calls.ErrInvalidType),
		errors.Is(err, delivery.ErrEmptyMessage), errors.Is(err, delivery.ErrNoRoom),
		errors.Is(err, orch.ErrNoRoom), errors.Is(err, orch.ErrNoLanguage):
		return nethttp.StatusBadRequest
	case errors.Is(err, calls.ErrNoIncoming), errors.Is(err, calls.ErrNoCall),
		errors.Is(err, group.ErrNoSession), errors.Is(err, group.ErrNoInvitation):
		return nethttp.StatusNotFound
	default:
		return nethttp.StatusBadGateway
	}
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	l := log.Warn()
	if code >= 500 {
		l = log.Error()
	}
	l.Err(err).
		Str("module", "adapters.http").
		Str("request_id", c.GetString("request_id")).
		Str("path", c.FullPath()).
		Int("status", code).
		Msg("request failed")
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(nethttp.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *handlers) status(c *gin.Context) {
	out := gin.H{
		"connection": h.d.Session.Status(),
		"rooms":      h.d.Rooms.Rooms(),
		"language":   h.d.Rooms.Language(),
	}
	if snap, ok := h.d.Calls.Snapshot(); ok {
		out["call"] = snap
	}
	if s, ok := h.d.Group.Session(); ok {
		out["group"] = s
	}
	c.JSON(nethttp.StatusOK, out)
}

func (h *handlers) foreground(c *gin.Context) {
	if err := h.d.Session.Foreground(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, h.d.Session.Status())
}

type logoutRequest struct {
	AtExit bool `json:"atExit"`
}

// logout signs out now, or only at process exit when atExit is set.
func (h *handlers) logout(c *gin.Context) {
	var req logoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.AtExit {
		h.d.Session.RequestLogout()
		c.Status(nethttp.StatusAccepted)
		return
	}
	h.d.Session.Logout()
	c.Status(nethttp.StatusNoContent)
}

func (h *handlers) joinRoom(c *gin.Context) {
	if err := h.d.Rooms.JoinRoom(domain.RoomID(c.Param("id"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"rooms": h.d.Rooms.Rooms()})
}

func (h *handlers) leaveRoom(c *gin.Context) {
	if err := h.d.Rooms.LeaveRoom(domain.RoomID(c.Param("id"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"rooms": h.d.Rooms.Rooms()})
}

type languageRequest struct {
	Language string `json:"language" binding:"required"`
}

func (h *handlers) language(c *gin.Context) {
	var req languageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.d.Rooms.SetLanguage(req.Language); err != nil {
		fail(c, err)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

type callRequest struct {
	To       domain.UserID   `json:"to" binding:"required"`
	CallType domain.CallType `json:"callType"`
}

func (h *handlers) call(c *gin.Context) {
	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.CallType == "" {
		req.CallType = domain.CallAudio
	}
	snap, err := h.d.Calls.Call(c.Request.Context(), req.To, req.CallType)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(nethttp.StatusAccepted, snap)
}

func (h *handlers) callSnapshot(c *gin.Context) {
	snap, _ := h.d.Calls.Snapshot()
	c.JSON(nethttp.StatusOK, snap)
}

func (h *handlers) accept(c *gin.Context) {
	if err := h.d.Calls.Accept(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	h.callSnapshot(c)
}

func (h *handlers) reject(c *gin.Context) {
	if err := h.d.Calls.Reject(); err != nil {
		fail(c, err)
		return
	}
	h.callSnapshot(c)
}

func (h *handlers) hangup(c *gin.Context) {
	if err := h.d.Calls.Hangup(); err != nil {
		fail(c, err)
		return
	}
	h.callSnapshot(c)
}

func (h *handlers) group(c *gin.Context) {
	out := gin.H{"invitations": h.d.Group.Invitations()}
	if s, ok := h.d.Group.Session(); ok {
		out["session"] = s
	}
	c.JSON(nethttp.StatusOK, out)
}

type initiateRequest struct {
	RoomID   domain.RoomID   `json:"roomId" binding:"required"`
	CallType domain.CallType `json:"callType"`
}

func (h *handlers) groupInitiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s, err := h.d.Group.Initiate(c.Request.Context(), req.RoomID, req.CallType)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, s)
}

type sessionRequest struct {
	CallSessionID domain.CallSessionID `json:"callSessionId" binding:"required"`
}

func (h *handlers) groupJoin(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	desc, ok := h.d.Group.Invitation(req.CallSessionID)
	if !ok {
		desc = domain.CallDescriptor{ID: req.CallSessionID}
	}
	s, err := h.d.Group.Join(c.Request.Context(), desc)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, s)
}

func (h *handlers) groupDecline(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.d.Group.Decline(c.Request.Context(), req.CallSessionID); err != nil {
		fail(c, err)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

func (h *handlers) groupLeave(c *gin.Context) {
	if err := h.d.Group.Leave(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

func (h *handlers) groupEnd(c *gin.Context) {
	if err := h.d.Group.End(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(nethttp.StatusNoContent)
}

func (h *handlers) messages(c *gin.Context) {
	c.JSON(nethttp.StatusOK, h.d.Messages.Messages(domain.RoomID(c.Query("roomId"))))
}

type messageRequest struct {
	RoomID  domain.RoomID `json:"roomId" binding:"required"`
	Content string        `json:"content" binding:"required"`
}

func (h *handlers) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := h.d.Messages.Send(c.Request.Context(), req.RoomID, req.Content)
	if err != nil {
		if m.ClientTempID != "" {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "message": m})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(nethttp.StatusCreated, m)
}

type seenRequest struct {
	MessageIDs []string `json:"messageIds" binding:"required"`
}

func (h *handlers) markSeen(c *gin.Context) {
	var req seenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"marked": h.d.Messages.MarkSeen(req.MessageIDs)})
}

func (h *handlers) presence(c *gin.Context) {
	c.JSON(nethttp.StatusOK, h.d.Presence.Presences())
}

func (h *handlers) playout(c *gin.Context) {
	if h.d.Playout == nil {
		c.JSON(nethttp.StatusOK, []any{})
		return
	}
	c.JSON(nethttp.StatusOK, h.d.Playout.Relays())
}

type muteRequest struct {
	Sink  string `json:"sink"`
	Muted bool   `json:"muted"`
}

func (h *handlers) mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	n := h.d.Rooms.Mute(req.Sink, req.Muted)
	if n == 0 {
		c.AbortWithStatusJSON(nethttp.StatusNotFound, gin.H{"error": "no such sink: " + strconv.Quote(req.Sink)})
		return
	}
	c.JSON(nethttp.StatusOK, gin.H{"sinks": n, "muted": req.Muted})
}
