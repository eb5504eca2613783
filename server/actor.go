package server

import (
	"net/http"
	"strings"

	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/instant"
)

// Identity headers set by the authenticating gateway in front of shiftly.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	// HeaderRequestID echoes the id that request logs carry.
	HeaderRequestID = "X-Request-ID"
)

type actor struct {
	ID   string
	Role instant.Role
}

// actorFromRequest reads the caller identity. want, when non-empty, is the
// role the endpoint is reserved for.
func actorFromRequest(r *http.Request, want instant.Role) (actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if id == "" {
		return actor{}, errors.NewValidationError("missing %s header", HeaderActorID)
	}
	role, ok := instant.ParseRole(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole))))
	if !ok {
		return actor{}, errors.NewValidationError("%s must be employer or student", HeaderActorRole)
	}
	if want != "" && role != want {
		return actor{}, errors.NewForbiddenError("only a %s may call this endpoint", want)
	}
	return actor{ID: id, Role: role}, nil
}
