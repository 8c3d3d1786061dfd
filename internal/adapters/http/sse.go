package http

import (
	"io"
	"strconv"

	"github.com/dkeye/voicelink/internal/adapters/ui"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// notices streams notifier events as Server-Sent Events. A client resumes with
// ?since=<seq> or the Last-Event-ID header and first receives the backlog after it.
func (h *handlers) notices(c *gin.Context) {
	since := c.Query("since")
	if since == "" {
		since = c.GetHeader("Last-Event-ID")
	}
	last, _ := strconv.ParseUint(since, 10, 64)

	ch, cancel := h.d.Notices.Subscribe(64)
	defer cancel()

	send := func(ev ui.Event) {
		if ev.Seq <= last {
			return
		}
		last = ev.Seq
		c.Render(-1, sse.Event{
			Id:    strconv.FormatUint(ev.Seq, 10),
			Event: string(ev.Type),
			Data:  ev,
		})
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	for _, ev := range h.d.Notices.Since(last) {
		send(ev)
	}
	c.Writer.Flush()

	log.Debug().Str("module", "adapters.http").Uint64("since", last).Msg("notice stream opened")
	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			send(ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
