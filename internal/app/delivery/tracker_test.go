package delivery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/app/apptest"
	"github.com/dkeye/voicelink/internal/app/delivery"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

func newTracker(t *testing.T) (*delivery.Tracker, *apptest.Bus, *apptest.MessageAPI) {
	t.Helper()
	bus := apptest.NewBus()
	api := &apptest.MessageAPI{}
	tr := delivery.New("x", bus, api, apptest.NewNotifier())
	t.Cleanup(tr.Close)
	return tr, bus, api
}

func TestResponseThenPushReconcilesOnce(t *testing.T) {
	tr, bus, api := newTracker(t)

	m, err := tr.Send(context.Background(), "r1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.ID != "srv-1" || m.Status != domain.MessageSent || !m.Confirmed {
		t.Fatalf("unexpected record %+v", m)
	}
	if got := api.Sent(); len(got) != 1 || got[0].ClientTempID != m.ClientTempID {
		t.Fatalf("api saw %+v", got)
	}

	bus.Deliver(core.EvReceiveMessage, domain.Message{ID: "srv-1", ClientTempID: m.ClientTempID, RoomID: "r1", SenderID: "x", Content: "hello", Status: domain.MessageSent})

	all := tr.Messages("")
	if len(all) != 1 || all[0].ID != "srv-1" {
		t.Fatalf("records %+v", all)
	}
	if bus.Count(core.EvMessageDelivered) != 0 {
		t.Fatal("acknowledged our own message")
	}
}

func TestPushThenResponseReconcilesOnce(t *testing.T) {
	tr, bus, api := newTracker(t)
	api.Block = make(chan struct{})

	type result struct {
		m   domain.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := tr.Send(context.Background(), "r1", "hi")
		done <- result{m, err}
	}()
	apptest.WaitFor(t, time.Second, "queued record", func() bool { return len(tr.Messages("r1")) == 1 })

	queued := tr.Messages("r1")[0]
	if queued.Status != domain.MessageQueued || queued.ID != queued.ClientTempID {
		t.Fatalf("optimistic record %+v", queued)
	}
	bus.Deliver(core.EvReceiveMessage, domain.Message{ID: "srv-1", ClientTempID: queued.ClientTempID, RoomID: "r1", SenderID: "x", Content: "hi"})

	rec, ok := tr.Lookup("srv-1")
	if !ok || rec.ClientTempID != queued.ClientTempID || rec.Status != domain.MessageSent {
		t.Fatalf("push did not reconcile: %+v", rec)
	}

	close(api.Block)
	r := <-done
	if r.err != nil {
		t.Fatalf("send: %v", r.err)
	}
	if r.m.ID != "srv-1" {
		t.Fatalf("send returned %+v", r.m)
	}
	if all := tr.Messages(""); len(all) != 1 {
		t.Fatalf("%d records after both confirmations", len(all))
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	tr, _, api := newTracker(t)
	api.Err = errors.New("boom")

	m, err := tr.Send(context.Background(), "r1", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if m.Status != domain.MessageFailed {
		t.Fatalf("status = %s", m.Status)
	}
	if _, err := tr.Send(context.Background(), "r1", "   "); !errors.Is(err, delivery.ErrEmptyMessage) {
		t.Fatalf("blank message: %v", err)
	}
	if _, err := tr.Send(context.Background(), "", "x"); !errors.Is(err, delivery.ErrNoRoom) {
		t.Fatalf("no room: %v", err)
	}
}

func TestIncomingMessageIsAcknowledged(t *testing.T) {
	tr, bus, _ := newTracker(t)
	msg := domain.Message{ID: "m9", RoomID: "r1", SenderID: "y", Content: "yo"}

	bus.Deliver(core.EvReceiveMessage, msg)
	bus.Deliver(core.EvReceiveMessage, msg)

	if n := len(tr.Messages("r1")); n != 1 {
		t.Fatalf("%d records for one message", n)
	}
	if bus.Count(core.EvMessageDelivered) != 1 {
		t.Fatalf("acks: %d", bus.Count(core.EvMessageDelivered))
	}
	var ack core.MessageDeliveredPayload
	bus.Last(t, core.EvMessageDelivered, &ack)
	if ack.MessageID != "m9" {
		t.Fatalf("ack %+v", ack)
	}
}

func TestStatusUpdatesMatchAndOnlyMoveForward(t *testing.T) {
	tr, bus, api := newTracker(t)
	api.Block = make(chan struct{})
	go tr.Send(context.Background(), "r1", "hi")
	apptest.WaitFor(t, time.Second, "queued record", func() bool { return len(tr.Messages("")) == 1 })
	token := tr.Messages("")[0].ClientTempID

	tests := []struct {
		name    string
		payload core.MessageStatusPayload
		want    domain.MessageStatus
	}{
		{"by token", core.MessageStatusPayload{ClientTempID: token, Status: domain.MessageDelivered}, domain.MessageDelivered},
		{"backwards ignored", core.MessageStatusPayload{ClientTempID: token, Status: domain.MessageSent}, domain.MessageDelivered},
		{"unmatched dropped", core.MessageStatusPayload{MessageID: "nope", Status: domain.MessageSeen}, domain.MessageDelivered},
		{"unknown status dropped", core.MessageStatusPayload{ClientTempID: token, Status: "lost"}, domain.MessageDelivered},
		{"id falls back to token", core.MessageStatusPayload{MessageID: "srv-x", ClientTempID: token, Status: domain.MessageSeen}, domain.MessageSeen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bus.Deliver(core.EvMessageStatusUpdate, tc.payload)
			m, _ := tr.Lookup(token)
			if m.Status != tc.want {
				t.Fatalf("status = %s, want %s", m.Status, tc.want)
			}
		})
	}

	close(api.Block)
	apptest.WaitFor(t, time.Second, "confirmation", func() bool {
		m, ok := tr.Lookup("srv-1")
		return ok && m.Confirmed
	})
	if m, _ := tr.Lookup("srv-1"); m.Status != domain.MessageSeen {
		t.Fatalf("confirmation moved status back to %s", m.Status)
	}
}

func TestMarkSeen(t *testing.T) {
	tr, bus, _ := newTracker(t)
	bus.Deliver(core.EvReceiveMessage, domain.Message{ID: "m1", RoomID: "r1", SenderID: "y"})

	if n := tr.MarkSeen([]string{"m1", ""}); n != 1 {
		t.Fatalf("marked %d", n)
	}
	var p core.MessageSeenPayload
	bus.Last(t, core.EvMessageSeen, &p)
	if len(p.MessageIDs) != 1 || p.MessageIDs[0] != "m1" {
		t.Fatalf("payload %+v", p)
	}
	if m, _ := tr.Lookup("m1"); m.Status != domain.MessageSeen {
		t.Fatalf("status = %s", m.Status)
	}
	if tr.MarkSeen(nil) != 0 || bus.Count(core.EvMessageSeen) != 1 {
		t.Fatal("empty MarkSeen emitted")
	}
}
