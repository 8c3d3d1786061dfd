package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry tracks the users this client has seen and their last pushed presence.
type Registry struct {
	mu       sync.RWMutex
	users    map[domain.UserID]*domain.User
	presence map[domain.UserID]domain.Presence
}

func NewRegistry() *Registry {
	return &Registry{
		users:    make(map[domain.UserID]*domain.User),
		presence: make(map[domain.UserID]domain.Presence),
	}
}

// RememberUser records a display name seen on the wire. Invalid names are ignored.
func (r *Registry) RememberUser(id domain.UserID, username string) {
	if id == "" {
		return
	}
	u, err := domain.NewUser(id, username)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.users[id]; ok {
		if cur.Username != u.Username {
			cur.Username = u.Username
			log.Debug().Str("module", "app.registry").Str("user", string(id)).Str("username", username).Msg("updated username")
		}
		return
	}
	r.users[id] = u
}

func (r *Registry) Username(id domain.UserID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[id]; ok {
		return u.Username
	}
	return ""
}

// SetPresence stores status and reports whether it changed.
func (r *Registry) SetPresence(id domain.UserID, status domain.PresenceStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.presence[id]; ok && cur.Status == status {
		return false
	}
	r.presence[id] = domain.Presence{UserID: id, Status: status, UpdatedAt: time.Now()}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Str("status", string(status)).Msg("presence changed")
	return true
}

func (r *Registry) Presence(id domain.UserID) (domain.Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presence[id]
	return p, ok
}

// Presences returns every known presence ordered by user id.
func (r *Registry) Presences() []domain.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
