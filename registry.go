package netmon

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"time"
)

// ErrUnexpectedHandshake is returned when a connecting peer does not open
// with the readiness token.
var ErrUnexpectedHandshake = errors.New("unexpected handshake message")

// ErrRegistryFull is returned when a slot is requested beyond capacity.
var ErrRegistryFull = errors.New("connection registry is full")

type SlotState int

const (
	SlotPending SlotState = iota
	SlotActive
	SlotClosed
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending-handshake"
	case SlotActive:
		return "active"
	case SlotClosed:
		return "closed"
	}
	return "unknown"
}

// Slot is one admitted (or still handshaking) monitor connection. The index
// is unique and stable for as long as the slot lives in the registry.
type Slot struct {
	Index int
	Conn  net.Conn
	State SlotState
}

// Registry tracks monitor connections up to a fixed capacity. It is owned by
// the supervisor's coordinator loop and is deliberately not safe for
// concurrent use: every mutation happens on that single goroutine.
type Registry struct {
	capacity int
	next     int
	slots    map[int]*Slot
}

func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		slots:    make(map[int]*Slot, capacity),
	}
}

func (r *Registry) Full() bool {
	return len(r.slots) >= r.capacity
}

// Reserve claims a slot for a connection that has not completed its
// handshake yet. The slot counts against capacity immediately so that two
// in-flight handshakes cannot overcommit the registry.
func (r *Registry) Reserve(conn net.Conn) (*Slot, error) {
	if r.Full() {
		return nil, ErrRegistryFull
	}
	slot := &Slot{Index: r.next, Conn: conn, State: SlotPending}
	r.next++
	r.slots[slot.Index] = slot
	return slot, nil
}

func (r *Registry) Activate(index int) {
	if slot, ok := r.slots[index]; ok {
		slot.State = SlotActive
	}
}

// Release closes the slot's connection, marks it closed and frees the index.
func (r *Registry) Release(index int) {
	slot, ok := r.slots[index]
	if !ok {
		return
	}
	_ = slot.Conn.Close()
	slot.State = SlotClosed
	delete(r.slots, index)
}

func (r *Registry) ActiveCount() int {
	n := 0
	for _, slot := range r.slots {
		if slot.State == SlotActive {
			n++
		}
	}
	return n
}

// Indexes returns the live slot indexes in ascending order.
func (r *Registry) Indexes() []int {
	out := make([]int, 0, len(r.slots))
	for idx := range r.slots {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// CloseAll releases every remaining slot and reports how many were closed.
func (r *Registry) CloseAll() int {
	n := 0
	for _, idx := range r.Indexes() {
		r.Release(idx)
		n++
	}
	return n
}

// handshake performs the admission round-trip on a fresh connection: the
// peer must send the readiness token, and only then is the begin token
// written back. The deadline bounds how long a silent peer can hold a
// pending slot; the caller closes the connection on error.
func handshake(conn net.Conn, bufSize int, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}
	buf := make([]byte, bufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	if msg := trimToken(buf[:n]); msg != TokenReady {
		return fmt.Errorf("%w: %q", ErrUnexpectedHandshake, msg)
	}
	if err := writeToken(conn, TokenBegin); err != nil {
		return fmt.Errorf("handshake reply: %w", err)
	}
	return nil
}
