// Package directory is the in-process user directory: identities, roles,
// contact details, ban flags, live locations and offer availability. It
// serves the lifecycle engine as UserDirectory and LocationSource and the
// dispatcher as CandidateSelector.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/instant"
)

type entry struct {
	party     instant.Party
	available bool
	location  *instant.GeoPoint
}

// Registry is a concurrency-safe in-memory directory.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*entry

	banMu    sync.Mutex
	listBans map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*entry), listBans: make(map[string]bool)}
}

// Put adds or replaces a user. Students start available for offers.
func (r *Registry) Put(p instant.Party) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errors.NewValidationError("user id is required")
	}
	if _, ok := instant.ParseRole(string(p.Role)); !ok {
		return errors.NewValidationError("user %s has unknown role %q", p.ID, p.Role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[p.ID]
	if !ok {
		e = &entry{available: p.Role == instant.RoleStudent}
		r.users[p.ID] = e
	}
	e.party = p
	return nil
}

// Lookup returns a copy of the user.
func (r *Registry) Lookup(_ context.Context, userID string) (*instant.Party, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.users[userID]
	if !ok {
		return nil, errors.NewNotFoundError("user %s", userID)
	}
	p := e.party
	return &p, nil
}

// SetBanned flags or clears a ban.
func (r *Registry) SetBanned(userID string, banned bool) error {
	return r.update(userID, func(e *entry) { e.party.Banned = banned })
}

// ApplyBanList bans every listed user and lifts the bans an earlier list
// imposed on users it no longer names. Users banned by other means stay
// banned. It returns the listed ids the directory does not know.
func (r *Registry) ApplyBanList(ids []string) []string {
	r.banMu.Lock()
	defer r.banMu.Unlock()

	next := make(map[string]bool, len(ids))
	var unknown []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, seen := next[id]; seen {
			continue
		}
		p, err := r.Lookup(context.Background(), id)
		if err != nil {
			unknown = append(unknown, id)
			continue
		}
		if p.Banned && !r.listBans[id] {
			// banned elsewhere; the list does not own this ban
			next[id] = false
			continue
		}
		if err := r.SetBanned(id, true); err != nil {
			unknown = append(unknown, id)
			continue
		}
		next[id] = true
	}

	for id, owned := range r.listBans {
		if _, still := next[id]; owned && !still {
			_ = r.SetBanned(id, false)
		}
	}

	r.listBans = make(map[string]bool, len(next))
	for id, owned := range next {
		if owned {
			r.listBans[id] = true
		}
	}
	return unknown
}

// SetAvailable controls whether a student receives offers.
func (r *Registry) SetAvailable(studentID string, available bool) error {
	return r.update(studentID, func(e *entry) { e.available = available })
}

// UpdateLocation records a student's position.
func (r *Registry) UpdateLocation(studentID string, lat, lon float64, at time.Time) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return errors.NewValidationError("coordinates out of range: %v,%v", lat, lon)
	}
	return r.update(studentID, func(e *entry) {
		e.location = &instant.GeoPoint{Latitude: lat, Longitude: lon, UpdatedAt: at.UTC()}
	})
}

// Locate returns the last reported position, or nil if none.
func (r *Registry) Locate(_ context.Context, studentID string) (*instant.GeoPoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.users[studentID]
	if !ok {
		return nil, errors.NewNotFoundError("user %s", studentID)
	}
	if e.location == nil {
		return nil, nil
	}
	loc := *e.location
	return &loc, nil
}

// SelectCandidates returns up to limit available, non-banned students not
// in exclude, in id order.
func (r *Registry) SelectCandidates(_ context.Context, _ *instant.Job, exclude map[string]bool, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	ids := make([]string, 0, len(r.users))
	for id, e := range r.users {
		if e.party.Role != instant.RoleStudent || e.party.Banned || !e.available || exclude[id] {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Len returns the number of users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) update(userID string, fn func(*entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userID]
	if !ok {
		return errors.NewNotFoundError("user %s", userID)
	}
	fn(e)
	return nil
}
