// Package api talks to the call-management and message collaborators over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrMissingToken = errors.New("api: missing token")

// StatusError is a non-2xx response the client could not interpret further.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Body)
}

type Client struct {
	Token   string
	BaseURL string
	HTTP    *http.Client
}

var (
	_ core.CallAPI    = (*Client)(nil)
	_ core.MessageAPI = (*Client)(nil)
)

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{Token: token, BaseURL: baseURL, HTTP: &http.Client{Timeout: timeout}}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.Token == "" {
		return ErrMissingToken
	}
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		var active domain.CallDescriptor
		if err := json.NewDecoder(res.Body).Decode(&active); err != nil {
			return fmt.Errorf("api: conflict body: %w", err)
		}
		return &core.ConflictError{Active: active}
	}
	if res.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &StatusError{Code: res.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func callPath(id domain.CallSessionID, action string) string {
	return "/calls/" + url.PathEscape(string(id)) + "/" + action
}

func (c *Client) Initiate(ctx context.Context, roomID domain.RoomID, kind domain.CallType) (domain.CallDescriptor, error) {
	var desc domain.CallDescriptor
	err := c.do(ctx, http.MethodPost, "/calls", map[string]any{"roomId": roomID, "callType": kind}, &desc)
	if err != nil {
		return domain.CallDescriptor{}, err
	}
	log.Debug().Str("module", "api").Str("call_session", string(desc.ID)).Msg("call initiated")
	return desc, nil
}

func (c *Client) Join(ctx context.Context, id domain.CallSessionID) (domain.CallDescriptor, error) {
	var desc domain.CallDescriptor
	if err := c.do(ctx, http.MethodPost, callPath(id, "join"), nil, &desc); err != nil {
		return domain.CallDescriptor{}, err
	}
	if desc.ID == "" {
		desc.ID = id
	}
	return desc, nil
}

func (c *Client) Decline(ctx context.Context, id domain.CallSessionID) error {
	return c.do(ctx, http.MethodPost, callPath(id, "decline"), nil, nil)
}

func (c *Client) Leave(ctx context.Context, id domain.CallSessionID) error {
	return c.do(ctx, http.MethodPost, callPath(id, "leave"), nil, nil)
}

func (c *Client) Pending(ctx context.Context) ([]domain.CallDescriptor, error) {
	var out []domain.CallDescriptor
	if err := c.do(ctx, http.MethodGet, "/calls/pending", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, msg domain.OutgoingMessage) (domain.Message, error) {
	var out domain.Message
	if err := c.do(ctx, http.MethodPost, "/messages", msg, &out); err != nil {
		return domain.Message{}, err
	}
	if out.ID == "" {
		return domain.Message{}, errors.New("api: message without id")
	}
	return out, nil
}
