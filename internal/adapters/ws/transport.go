// Package ws is the full-duplex signaling transport.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Transport struct {
	URL          string
	WriteTimeout time.Duration
	ReadLimit    int64
	Dialer       *websocket.Dialer
}

func (t *Transport) Mode() core.TransportMode { return core.TransportDuplex }

func (t *Transport) Dial(ctx context.Context, token string, onFrame func(core.Frame)) (core.SignalConnection, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("ws url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	if t.ReadLimit > 0 {
		ws.SetReadLimit(t.ReadLimit)
	}
	wt := t.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}

	c := newConn(ws, wt)
	go c.writePump()
	go c.readPump(onFrame)
	log.Info().Str("module", "ws").Str("url", t.URL).Msg("dialed")
	return c, nil
}
