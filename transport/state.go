// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

// State is the lifecycle state of one stage.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateCompleted
	StateFailed
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Established reports whether a stage in state s can carry messages.
func (s State) Established() bool {
	return s == StateConnected || s == StateCompleted
}

// StateChange is one transition, delivered through Callbacks. Err is
// set when Current is StateFailed.
type StateChange struct {
	Previous State
	Current  State
	Err      error
}

// validTransition reports whether a stage may move from one state to
// another. stopped marks a stage whose Stop has begun: its
// Disconnected state is final.
func validTransition(from, to State, stopped bool) bool {
	if from == to {
		return false
	}
	switch from {
	case StateFailed:
		return false
	case StateDisconnected:
		if stopped {
			return false
		}
		return to == StateConnecting || to == StateFailed
	case StateConnecting:
		return to == StateConnected || to == StateCompleted ||
			to == StateDisconnecting || to == StateFailed
	case StateConnected:
		return to == StateCompleted || to == StateDisconnecting ||
			to == StateDisconnected || to == StateFailed
	case StateCompleted:
		return to == StateDisconnecting || to == StateDisconnected || to == StateFailed
	case StateDisconnecting:
		return to == StateDisconnected || to == StateFailed
	}
	return false
}
