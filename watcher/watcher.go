// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package watcher is the live subscription fan-out: a dashboard subscribes
// to a hierarchy node and receives the current tally immediately, then
// again after every committed mutation of that node, in commit order. The
// watcher rides the state layer's pubsub hub; the hub serializes delivery
// per subscriber, and a revision number on every change drops anything
// observed out of order, so no subscriber ever sees a stale value after a
// newer one.
package watcher

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/albanx/vote-counter/core/location"
	"github.com/albanx/vote-counter/state"
)

var logger = loggo.GetLogger("votecounter.watcher")

// Hub is the slice of the pubsub hub the watcher consumes.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// TallyReader reads current aggregate values for initial deliveries.
type TallyReader interface {
	Tally(location.NodeID) (state.Tally, error)
}

// Config holds the watcher's dependencies.
type Config struct {
	Hub    Hub
	Reader TallyReader
}

// Validate returns an error if the config is incomplete.
func (config Config) Validate() error {
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Reader == nil {
		return errors.NotValidf("nil Reader")
	}
	return nil
}

// Watcher fans tally changes out to subscribers. Kill cancels every
// subscription; Wait blocks until the watcher is fully stopped.
type Watcher struct {
	tomb   tomb.Tomb
	config Config

	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

// New returns a running Watcher.
func New(config Config) (*Watcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Watcher{
		config: config,
		subs:   make(map[int]*subscription),
	}
	w.tomb.Go(func() error {
		<-w.tomb.Dying()
		w.cancelAll()
		return tomb.ErrDying
	})
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.tomb.Wait()
}

func (w *Watcher) cancelAll() {
	w.mu.Lock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

func (w *Watcher) remove(id int) {
	w.mu.Lock()
	delete(w.subs, id)
	w.mu.Unlock()
}

// Subscribe attaches fn to a node. The current value is delivered
// immediately (zero-valued if the node has never been counted), then every
// committed mutation follows, at least once, in commit order for that
// node. Delivery runs on the fan-out's own goroutines and never blocks the
// mutating caller. The returned cancel func stops delivery, is idempotent,
// and is safe to call during an in-flight delivery.
func (w *Watcher) Subscribe(nodeID location.NodeID, fn func(state.TallyChange)) (func(), error) {
	select {
	case <-w.tomb.Dying():
		return nil, errors.New("watcher is stopping")
	default:
	}
	sub := &subscription{fn: fn}
	// Subscribe to the hub before reading the initial value so a mutation
	// committed in between is not lost; the revno filter squashes any
	// resulting reordering.
	sub.unsubscribe = w.config.Hub.Subscribe(state.TallyTopic(nodeID), sub.onChange)
	initial, err := w.config.Reader.Tally(nodeID)
	if err != nil {
		sub.cancel()
		return nil, errors.Annotatef(err, "reading initial tally %q", nodeID)
	}
	w.mu.Lock()
	select {
	case <-w.tomb.Dying():
		// Killed after the check above; cancelAll may already have run,
		// so this subscription must not be registered.
		w.mu.Unlock()
		sub.cancel()
		return nil, errors.New("watcher is stopping")
	default:
	}
	id := w.next
	w.next++
	w.subs[id] = sub
	w.mu.Unlock()

	go sub.deliver(state.TallyChange{
		NodeID:    initial.NodeID,
		Counts:    initial.Counts,
		Revno:     initial.Revno,
		UpdatedAt: initial.UpdatedAt,
	})
	return func() {
		sub.cancel()
		w.remove(id)
	}, nil
}

// SubscribeMany attaches fn to a set of nodes, typically a sibling set
// resolved through the location directory, and delivers a merged map keyed
// by each node's full path id, so nodes that share a leaf name under
// different parents stay distinct. Failure to attach one node does not cancel
// its siblings; an error is returned only if no node could be attached.
// The merged map grows as initial values arrive and always reflects the
// latest delivered value of every reachable node.
func (w *Watcher) SubscribeMany(nodeIDs []location.NodeID, fn func(map[string]state.TallyChange)) (func(), error) {
	if len(nodeIDs) == 0 {
		return nil, errors.NotValidf("empty node set")
	}
	var (
		mu     sync.Mutex
		merged = make(map[string]state.TallyChange)
	)
	cancels := make([]func(), 0, len(nodeIDs))
	var firstErr error
	for _, nodeID := range nodeIDs {
		key := string(nodeID)
		cancel, err := w.Subscribe(nodeID, func(change state.TallyChange) {
			mu.Lock()
			merged[key] = change
			snapshot := make(map[string]state.TallyChange, len(merged))
			for k, v := range merged {
				snapshot[k] = v
			}
			// Deliver under the lock to keep snapshots in order.
			fn(snapshot)
			mu.Unlock()
		})
		if err != nil {
			logger.Errorf("subscribing to %q: %v", nodeID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		cancels = append(cancels, cancel)
	}
	if len(cancels) == 0 {
		return nil, errors.Annotate(firstErr, "no subscriptions attached")
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, cancel := range cancels {
				cancel()
			}
		})
	}, nil
}

// subscription tracks one node attachment. The mutex serializes deliveries
// with cancellation and enforces the revno monotonicity filter.
type subscription struct {
	mu          sync.Mutex
	fn          func(state.TallyChange)
	unsubscribe func()
	delivered   bool
	lastRevno   int64
	closed      bool
}

func (s *subscription) onChange(topic string, data interface{}) {
	change, ok := data.(state.TallyChange)
	if !ok {
		logger.Criticalf("programming error: topic %q carried %T", topic, data)
		return
	}
	s.deliver(change)
}

func (s *subscription) deliver(change state.TallyChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Revno zero means the node document does not exist yet; deliver it
	// only as the very first value.
	if s.delivered && change.Revno <= s.lastRevno {
		return
	}
	s.delivered = true
	s.lastRevno = change.Revno
	s.fn(change)
}

func (s *subscription) cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
