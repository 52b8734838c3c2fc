// Package ipc is the line-delimited JSON protocol spoken between the
// supervisor and its worker processes over the worker's stdin and stdout.
package ipc

import (
	"encoding/json"
	"time"
)

type Type string

const (
	// worker -> supervisor
	LeaseRequest Type = "lease_request"
	Publish      Type = "signal"
	Resync       Type = "resync"
	Delivered    Type = "delivered"
	Done         Type = "done"
	Status       Type = "status"

	// supervisor -> worker
	LeaseGrant Type = "lease_grant"
	Strike     Type = "strike"
)

// Signal is a trigger raised by one worker and relayed to its siblings.
type Signal struct {
	ID         string          `json:"id"`
	Origin     string          `json:"origin"`
	Kind       string          `json:"kind"`
	Block      uint64          `json:"block,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ObservedAt time.Time       `json:"observedAt"`
}

// Message is one line on the wire. Value is always present since zero is a
// valid sequence value.
type Message struct {
	Type   Type    `json:"type"`
	ID     string  `json:"id,omitempty"`
	Worker string  `json:"worker,omitempty"`
	Value  uint64  `json:"value"`
	Error  string  `json:"error,omitempty"`
	Reason string  `json:"reason,omitempty"`
	Signal *Signal `json:"signal,omitempty"`
}
