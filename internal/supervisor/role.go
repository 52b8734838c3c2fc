package supervisor

import (
	"fmt"
	"strings"
)

type Role string

const (
	Listener Role = "listener"
	Striker  Role = "striker"
)

// RoleFor makes every listenerEvery-th worker, starting at index 0, a listener.
func RoleFor(index, listenerEvery int) Role {
	if listenerEvery <= 0 {
		listenerEvery = 1
	}
	if index%listenerEvery == 0 {
		return Listener
	}
	return Striker
}

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case Listener:
		return Listener, nil
	case Striker:
		return Striker, nil
	}
	return "", fmt.Errorf("unknown worker role %q", s)
}
