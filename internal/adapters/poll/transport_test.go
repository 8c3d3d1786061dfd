package poll

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/core"
)

type pollServer struct {
	mu       sync.Mutex
	received []string
	auth     []string
	queue    chan string
	fail     bool
}

func (s *pollServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	fail := s.fail
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/poll/handshake":
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "s1"})
	case fail:
		w.WriteHeader(http.StatusGone)
	case r.Method == http.MethodPost:
		b, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.received = append(s.received, string(b))
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		select {
		case f := <-s.queue:
			_, _ = w.Write([]byte("[" + f + "]"))
		case <-time.After(50 * time.Millisecond):
			w.WriteHeader(http.StatusNoContent)
		case <-r.Context().Done():
		}
	}
}

func (s *pollServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func newServer(t *testing.T) (*pollServer, string) {
	t.Helper()
	s := &pollServer{queue: make(chan string, 8)}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, srv.URL + "/poll"
}

func TestPollDeliversFramesAndPostsSends(t *testing.T) {
	s, url := newServer(t)
	tr := &Transport{URL: url, Wait: 50 * time.Millisecond}

	frames := make(chan core.Frame, 4)
	conn, err := tr.Dial(context.Background(), "tok", func(f core.Frame) { frames <- f })
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	s.queue <- `{"type":"pong"}`
	select {
	case f := <-frames:
		if string(f) != `{"type":"pong"}` {
			t.Fatalf("unexpected frame %s", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	if err := conn.TrySend(core.Frame(`{"type":"ping"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.count() != 1 {
		t.Fatalf("server received %d frames", s.count())
	}
	s.mu.Lock()
	for _, a := range s.auth {
		if a != "Bearer tok" {
			t.Fatalf("missing bearer token: %q", a)
		}
	}
	s.mu.Unlock()
}

func TestCloseFlushesThenStops(t *testing.T) {
	s, url := newServer(t)
	tr := &Transport{URL: url, Wait: 50 * time.Millisecond}
	conn, err := tr.Dial(context.Background(), "tok", func(core.Frame) {})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := conn.TrySend(core.Frame(`{"type":"userLogout"}`)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	conn.Close()
	if s.count() != 5 {
		t.Fatalf("flushed %d of 5 frames", s.count())
	}
	if conn.Err() != nil {
		t.Fatalf("local close reported %v", conn.Err())
	}
	if err := conn.TrySend(core.Frame(`{}`)); err != ErrClosed {
		t.Fatalf("send after close: %v", err)
	}
}

func TestServerRejectionEndsSession(t *testing.T) {
	s, url := newServer(t)
	tr := &Transport{URL: url, Wait: 50 * time.Millisecond}
	conn, err := tr.Dial(context.Background(), "tok", func(core.Frame) {})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s.mu.Lock()
	s.fail = true
	s.mu.Unlock()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("rejection not detected")
	}
	if conn.Err() == nil {
		t.Fatal("expected an error")
	}
}
