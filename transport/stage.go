// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/peerlink/lib/logging"
	"github.com/bureau-foundation/peerlink/lib/queue"
)

// event is one upward callback waiting for the dispatcher.
type event struct {
	change    StateChange
	message   Message
	isMessage bool
}

// stage holds the lifecycle bookkeeping every Transport shares: the
// state machine, the bound consumer, and the dispatcher goroutine that
// runs callbacks in order outside the stage's locks.
type stage struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	callbacks Callbacks
	bound     bool
	started   bool
	stopped   bool

	// abandoned is set when Stop ran on the dispatcher goroutine; the
	// dispatcher then drops whatever is still queued.
	abandoned bool

	events *queue.Queue[event]
	// dispatcher is the dispatcher goroutine's id, 0 until it runs.
	dispatcher atomic.Uint64
	done       chan struct{}
}

func newStage(name string, logger *slog.Logger) *stage {
	return &stage{
		name:   name,
		logger: logging.OrDiscard(logger).With("stage", name),
		events: queue.New[event](0),
		done:   make(chan struct{}),
	}
}

// Bind registers the upward consumer.
func (s *stage) Bind(callbacks Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return ErrAlreadyBound
	}
	s.callbacks = callbacks
	s.bound = true
	return nil
}

// State returns the current state.
func (s *stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// begin marks the stage started and launches the dispatcher. It
// returns false when the stage was already running.
func (s *stage) begin() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}
	if s.started {
		return false, nil
	}
	s.started = true
	go s.dispatch()
	return true, nil
}

// end marks the stage stopped. It returns false when Stop already ran.
func (s *stage) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

// isStopped reports whether Stop has begun.
func (s *stage) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// transition moves to state to and queues the callback. Transitions
// the state machine does not allow are ignored and return false.
func (s *stage) transition(to State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransition(s.state, to, s.stopped) {
		return false
	}
	change := StateChange{Previous: s.state, Current: to}
	if to == StateFailed {
		change.Err = err
	}
	s.state = to
	s.events.Push(event{change: change})

	if to == StateFailed {
		s.logger.Warn("stage failed", "error", err)
	} else {
		s.logger.Debug("state changed", "from", change.Previous.String(), "state", to.String())
	}
	return true
}

// shutdown walks a stopping stage to Disconnected.
func (s *stage) shutdown() {
	s.transition(StateDisconnecting, nil)
	s.transition(StateDisconnected, nil)
}

// deliver queues message for OnMessage. It returns false once Stop
// has begun; a message accepted here is delivered before Stop returns.
func (s *stage) deliver(message Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	return s.events.Push(event{message: message, isMessage: true})
}

// finish closes the event queue and waits for the dispatcher to run
// the remaining callbacks. Called from a callback, it cannot wait for
// itself: the queue is abandoned instead and nothing more is delivered.
func (s *stage) finish() {
	s.events.Close()
	s.mu.Lock()
	started := s.started
	reentered := started && s.dispatcher.Load() == goroutineID()
	if reentered {
		s.abandoned = true
	}
	s.mu.Unlock()
	if !started || reentered {
		return
	}
	<-s.done
}

func (s *stage) dispatch() {
	defer close(s.done)
	s.dispatcher.Store(goroutineID())
	for {
		next, err := s.events.Pop(0)
		if err != nil {
			return
		}
		s.mu.Lock()
		callbacks, abandoned := s.callbacks, s.abandoned
		s.mu.Unlock()
		if abandoned {
			return
		}

		switch {
		case next.isMessage:
			if callbacks.OnMessage != nil {
				callbacks.OnMessage(next.message)
			}
		case callbacks.OnStateChange != nil:
			callbacks.OnStateChange(next.change)
		}
	}
}

// goroutineID returns the runtime's id for the calling goroutine, read
// from the "goroutine N [...]" header of its stack trace.
func goroutineID() uint64 {
	var buffer [64]byte
	header := buffer[:runtime.Stack(buffer[:], false)]
	header = bytes.TrimPrefix(header, []byte("goroutine "))
	if space := bytes.IndexByte(header, ' '); space >= 0 {
		header = header[:space]
	}
	id, _ := strconv.ParseUint(string(header), 10, 64)
	return id
}
