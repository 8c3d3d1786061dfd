// Package media acquires local capture devices for calls.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"syscall"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/pion/webrtc/v4"
)

// localStream is the acquired set of capture tracks plus the func releasing them.
type localStream struct {
	tracks []webrtc.TrackLocal

	mu      sync.Mutex
	release func()
	stopped bool
}

func newLocalStream(tracks []webrtc.TrackLocal, release func()) *localStream {
	return &localStream{tracks: tracks, release: release}
}

func (s *localStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *localStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	release := s.release
	s.mu.Unlock()
	if release != nil {
		release()
	}
}

func (s *localStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && len(s.tracks) > 0
}

// Classify maps driver errors onto the core media error kinds.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrPermissionDenied) || errors.Is(err, core.ErrDeviceNotFound) || errors.Is(err, core.ErrDeviceBusy) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, fs.ErrPermission), strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	case errors.Is(err, syscall.EBUSY), strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", core.ErrDeviceBusy, err)
	case errors.Is(err, fs.ErrNotExist), strings.Contains(msg, "not found"), strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w: %v", core.ErrDeviceNotFound, err)
	}
	return err
}
