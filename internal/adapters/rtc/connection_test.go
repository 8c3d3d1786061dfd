package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newPeer(t *testing.T, label string) *WebRTCConnection {
	t.Helper()
	f, err := NewFactory(nil, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	mc, err := f.NewPeer(context.Background(), label)
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	c := mc.(*WebRTCConnection)
	t.Cleanup(c.Close)
	return c
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	caller := newPeer(t, "caller")
	callee := newPeer(t, "callee")

	if err := caller.AddLocalStream(nil); err != nil {
		t.Fatalf("recvonly: %v", err)
	}
	offer, err := caller.CreateAndSetOffer()
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	mid := "0"
	cand := webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host",
		SDPMid:    &mid,
	}
	if err := callee.AddICECandidate(cand); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if callee.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", callee.Pending())
	}

	answer, err := callee.ApplyOfferAndCreateAnswer(*offer)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if callee.Pending() != 0 {
		t.Fatalf("pending after remote description = %d", callee.Pending())
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("unexpected sdp type %s", answer.Type)
	}
	if err := caller.ApplyAnswer(*answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}
}

func TestLocalCloseIsIdempotentAndSilent(t *testing.T) {
	c := newPeer(t, "solo")
	fired := make(chan struct{}, 1)
	c.OnClosed(func() { fired <- struct{}{} })

	c.Close()
	c.Close()
	if !c.IsClosed() {
		t.Fatal("expected closed")
	}
	if err := c.AddICECandidate(webrtc.ICECandidateInit{Candidate: "x"}); err != ErrConnClosed {
		t.Fatalf("candidate after close: %v", err)
	}
	if _, err := c.CreateAndSetOffer(); err != ErrConnClosed {
		t.Fatalf("offer after close: %v", err)
	}
	select {
	case <-fired:
		t.Fatal("local close must not report a remote termination")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestContextCancelClosesPeer(t *testing.T) {
	f, err := NewFactory([]string{"stun:stun.example.org:3478"}, DefaultCodecs)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	mc, err := f.NewPeer(ctx, "bound")
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for !mc.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !mc.IsClosed() {
		t.Fatal("peer outlived its context")
	}
}
