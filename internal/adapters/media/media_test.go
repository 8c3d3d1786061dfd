package media

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/dkeye/voicelink/internal/core"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"permission", &os.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EACCES}, core.ErrPermissionDenied},
		{"busy", &os.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EBUSY}, core.ErrDeviceBusy},
		{"missing", errors.New("failed to find the best driver that fits the constraints"), core.ErrDeviceNotFound},
		{"no such file", &os.PathError{Op: "open", Path: "/dev/snd", Err: syscall.ENOENT}, core.ErrDeviceNotFound},
		{"already classified", fmt.Errorf("wrapped: %w", core.ErrDeviceBusy), core.ErrDeviceBusy},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.in); !errors.Is(got, tc.want) {
				t.Fatalf("Classify(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
	if Classify(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	other := errors.New("codec exploded")
	if got := Classify(other); got != other {
		t.Fatalf("unclassified error changed: %v", got)
	}
}

func TestStreamStopIsIdempotent(t *testing.T) {
	released := 0
	s := newLocalStream(nil, func() { released++ })
	s.Stop()
	s.Stop()
	if released != 1 {
		t.Fatalf("released %d times", released)
	}
	if s.Active() {
		t.Fatal("stopped stream reported active")
	}
}
