// Package poll is the fallback-only signaling transport: HTTP long polling.
// The server hands out a session id on handshake; inbound frames arrive as a
// JSON array per poll, outbound frames are POSTed one at a time.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type Transport struct {
	URL  string
	Wait time.Duration
	HTTP *http.Client
}

func (t *Transport) Mode() core.TransportMode { return core.TransportFallback }

func (t *Transport) client() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return &http.Client{Timeout: t.Wait + 10*time.Second}
}

func (t *Transport) Dial(ctx context.Context, token string, onFrame func(core.Frame)) (core.SignalConnection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL+"/handshake", nil)
	if err != nil {
		return nil, fmt.Errorf("poll handshake: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := t.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll handshake: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("poll handshake: status %d", res.StatusCode)
	}
	var hs struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(res.Body).Decode(&hs); err != nil {
		return nil, fmt.Errorf("poll handshake: %w", err)
	}
	if hs.SID == "" {
		return nil, errors.New("poll handshake: missing sid")
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c := &pollConn{
		t:      t,
		http:   t.client(),
		token:  token,
		sid:    hs.SID,
		send:   make(chan core.Frame, 64),
		done:   make(chan struct{}),
		ctx:    pollCtx,
		cancel: cancel,
	}
	go c.writeLoop()
	go c.pollLoop(onFrame)
	log.Info().Str("module", "poll").Str("sid", hs.SID).Msg("session opened")
	return c, nil
}

type pollConn struct {
	t     *Transport
	http  *http.Client
	token string
	sid   string
	send  chan core.Frame

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	finishOnce sync.Once
	done       chan struct{}
	err        error
}

func (c *pollConn) endpoint() string {
	q := url.Values{}
	q.Set("sid", c.sid)
	if c.t.Wait > 0 {
		q.Set("wait", c.t.Wait.String())
	}
	return c.t.URL + "?" + q.Encode()
}

func (c *pollConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *pollConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	<-c.done
}

func (c *pollConn) Done() <-chan struct{} { return c.done }

func (c *pollConn) Err() error {
	<-c.done
	return c.err
}

func (c *pollConn) closing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *pollConn) finish(err error) {
	c.finishOnce.Do(func() {
		c.err = err
		c.cancel()
		close(c.done)
	})
}

func (c *pollConn) do(method string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(c.ctx, method, c.endpoint(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *pollConn) writeLoop() {
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				c.finish(nil)
				return
			}
			if err := c.post(f); err != nil {
				log.Warn().Err(err).Str("module", "poll").Msg("post failed")
				c.finish(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *pollConn) post(f core.Frame) error {
	res, err := c.do(http.MethodPost, bytes.NewReader(f))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("poll post: status %d", res.StatusCode)
	}
	return nil
}

func (c *pollConn) pollLoop(onFrame func(core.Frame)) {
	for {
		res, err := c.do(http.MethodGet, nil)
		if err != nil {
			if c.closing() || c.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("module", "poll").Msg("poll failed")
			c.finish(err)
			return
		}
		frames, err := readBatch(res)
		if err != nil {
			log.Warn().Err(err).Str("module", "poll").Msg("poll rejected")
			c.finish(err)
			return
		}
		for _, f := range frames {
			onFrame(core.Frame(f))
		}
	}
}

func readBatch(res *http.Response) ([]json.RawMessage, error) {
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusNoContent:
		return nil, nil
	case res.StatusCode/100 != 2:
		return nil, fmt.Errorf("poll: status %d", res.StatusCode)
	}
	var frames []json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("poll decode: %w", err)
	}
	return frames, nil
}
