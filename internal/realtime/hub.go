// Package realtime publishes row-level change events for rounds, guesses
// and transfer records to subscribed consumers. Delivery is at-least-once
// and ordered per row; there is no cross-row ordering guarantee and no
// latency bound. Consumers must treat events as advisory and reconcile
// with authoritative reads on reconnect.
package realtime

import (
	"sync"
	"time"
)

// Table identifies the source table of a change event.
type Table string

const (
	TableRounds    Table = "rounds"
	TableGuesses   Table = "guesses"
	TableTransfers Table = "transfer_records"
)

// Op identifies the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Event is one row-level change. Seq increases by one per change of the
// same (Table, RowID) pair, so consumers can detect per-row gaps.
type Event struct {
	Table   Table       `json:"table"`
	Op      Op          `json:"op"`
	RowID   string      `json:"row_id"`
	Seq     uint64      `json:"seq"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

type rowKey struct {
	table Table
	rowID string
}

// Hub fans row change events out to subscribers. Publish never blocks the
// caller: each subscriber drains its own queue from a dedicated goroutine,
// preserving publish order (and therefore per-row order) for that subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	seqs map[rowKey]uint64
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[*Subscription]struct{}),
		seqs: make(map[rowKey]uint64),
	}
}

// Publish assigns the next per-row sequence number and enqueues the event
// for every current subscriber.
func (h *Hub) Publish(table Table, op Op, rowID string, payload interface{}) Event {
	h.mu.Lock()
	key := rowKey{table: table, rowID: rowID}
	h.seqs[key]++
	ev := Event{
		Table:   table,
		Op:      op,
		RowID:   rowID,
		Seq:     h.seqs[key],
		At:      time.Now(),
		Payload: payload,
	}
	for sub := range h.subs {
		sub.enqueue(ev)
	}
	h.mu.Unlock()
	return ev
}

// Subscribe registers a consumer. The returned subscription must be closed
// when the consumer is done.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ch:   make(chan Event),
		done: make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.qmu)
	go sub.pump()

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscription. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// Subscription is one consumer's ordered event queue.
type Subscription struct {
	ch   chan Event
	done chan struct{}

	qmu    sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// Events returns the channel delivering this subscription's events. The
// channel is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) enqueue(ev Event) {
	s.qmu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.qmu.Unlock()
}

func (s *Subscription) close() {
	s.qmu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Signal()
	}
	s.qmu.Unlock()
}

// pump drains the queue into the consumer channel in FIFO order. A slow
// consumer grows its own queue; it never delays the publisher or other
// subscribers. Undelivered events are dropped once the subscription closes.
func (s *Subscription) pump() {
	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.qmu.Unlock()
			close(s.ch)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			close(s.ch)
			return
		}
	}
}
