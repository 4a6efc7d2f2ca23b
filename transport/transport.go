// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/bureau-foundation/peerlink/transport/engine"

// Transport is one stage of the pipeline. A stage owns the stage below
// it and has at most one consumer above it, registered with Bind.
type Transport interface {
	// Start begins connecting. Calling it again while running has no
	// effect; calling it after Stop returns ErrStopped.
	Start() error

	// Stop shuts the stage down from any goroutine. It unblocks
	// pending receives, waits (bounded) for in-flight work, and no
	// callback fires after it returns. Calling it again is a no-op.
	Stop() error

	// Send offers a message toward the peer. The result reports
	// whether the stage accepted it for processing, not delivery.
	Send(message Message) bool

	// State returns the current lifecycle state.
	State() State

	// Bind registers the single upward consumer. A second call
	// returns ErrAlreadyBound.
	Bind(callbacks Callbacks) error
}

// Callbacks receive a stage's upward events. Both run on the stage's
// dispatcher goroutine, one at a time and in order, never under a
// stage lock. A callback may call Stop on the stage that invoked it.
type Callbacks struct {
	// OnMessage receives each message arriving from the peer.
	OnMessage func(Message)

	// OnStateChange receives each state transition exactly once.
	OnStateChange func(StateChange)
}

// Role is the handshake role of a secure stage.
type Role = engine.Role

const (
	// RoleAuto resolves the role from the first handshake records,
	// breaking ties by certificate fingerprint.
	RoleAuto   = engine.RoleUnknown
	RoleClient = engine.RoleClient
	RoleServer = engine.RoleServer
)
