package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok", time.Second)
}

func TestInitiateConflictCarriesActiveSession(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(domain.CallDescriptor{ID: "s-1", RoomID: "r-1", CallType: domain.CallAudio})
	})

	_, err := c.Initiate(context.Background(), "r-1", domain.CallAudio)
	if !errors.Is(err, core.ErrCallAlreadyActive) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var ce *core.ConflictError
	if !errors.As(err, &ce) || ce.Active.ID != "s-1" {
		t.Fatalf("conflict lost descriptor: %v", err)
	}
}

func TestJoinReturnsRoster(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/s-9/join" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"callRoomId": "cr-9",
			"participants": []map[string]string{
				{"userId": "u1", "displayName": "Ann", "status": "joined"},
			},
		})
	})
	desc, err := c.Join(context.Background(), "s-9")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if desc.ID != "s-9" || len(desc.Participants) != 1 || desc.Participants[0].UserID != "u1" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}
}

func TestDeclineAndLeaveAcceptEmptyBodies(t *testing.T) {
	var paths []string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.Decline(context.Background(), "s-1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := c.Leave(context.Background(), "s-1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/calls/s-1/decline" || paths[1] != "/calls/s-1/leave" {
		t.Fatalf("unexpected paths %v", paths)
	}
}

func TestServerErrorIsStatusError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := c.Pending(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || se.Body != "boom" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSendMessage(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		var in domain.OutgoingMessage
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(domain.Message{
			ID:           "m-1",
			ClientTempID: in.ClientTempID,
			RoomID:       in.RoomID,
			Content:      in.Content,
			Status:       domain.MessageSent,
		})
	})
	msg, err := c.SendMessage(context.Background(), domain.OutgoingMessage{RoomID: "r", Content: "hi", ClientTempID: "tmp"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "m-1" || msg.ClientTempID != "tmp" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestMissingToken(t *testing.T) {
	c := &Client{BaseURL: "http://127.0.0.1:1"}
	if _, err := c.Pending(context.Background()); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
