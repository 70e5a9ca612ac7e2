// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package watcher_test

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/albanx/vote-counter/core/ballot"
	"github.com/albanx/vote-counter/core/location"
	"github.com/albanx/vote-counter/internal/testhelpers"
	"github.com/albanx/vote-counter/state"
	"github.com/albanx/vote-counter/watcher"
)

type watcherSuite struct {
	testing.IsolationSuite
	hub    *pubsub.SimpleHub
	reader *fakeReader
	w      *watcher.Watcher
}

var _ = gc.Suite(&watcherSuite{})

func (s *watcherSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("test.hub"),
	})
	s.reader = &fakeReader{tallies: make(map[location.NodeID]state.Tally)}
	w, err := watcher.New(watcher.Config{Hub: s.hub, Reader: s.reader})
	c.Assert(err, jc.ErrorIsNil)
	s.w = w
	s.AddCleanup(func(c *gc.C) {
		s.w.Kill()
		c.Check(s.w.Wait(), jc.ErrorIsNil)
	})
}

func (s *watcherSuite) publish(nodeID location.NodeID, counts ballot.Counts, revno int64) {
	wait := s.hub.Publish(state.TallyTopic(nodeID), state.TallyChange{
		NodeID: nodeID,
		Counts: counts,
		Revno:  revno,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()
	select {
	case <-done:
	case <-time.After(testhelpers.LongWait):
		panic("timed out waiting for hub delivery")
	}
}

func (s *watcherSuite) TestSubscribeDeliversInitialValue(c *gc.C) {
	nodeID := location.RegionNode("R1")
	s.reader.set(nodeID, ballot.Counts{Valid: 3}, 5)

	changes := make(chan state.TallyChange, 10)
	cancel, err := s.w.Subscribe(nodeID, func(change state.TallyChange) {
		changes <- change
	})
	c.Assert(err, jc.ErrorIsNil)
	defer cancel()

	select {
	case change := <-changes:
		c.Check(change.NodeID, gc.Equals, nodeID)
		c.Check(change.Counts, gc.DeepEquals, ballot.Counts{Valid: 3})
		c.Check(change.Revno, gc.Equals, int64(5))
	case <-time.After(testhelpers.LongWait):
		c.Fatal("timed out waiting for initial delivery")
	}
}

func (s *watcherSuite) TestSubscribeUnseenNodeDeliversZero(c *gc.C) {
	nodeID := location.BoxNode("R1", "P3", "B7")
	changes := make(chan state.TallyChange, 10)
	cancel, err := s.w.Subscribe(nodeID, func(change state.TallyChange) {
		changes <- change
	})
	c.Assert(err, jc.ErrorIsNil)
	defer cancel()

	select {
	case change := <-changes:
		c.Check(change.Counts.IsZero(), jc.IsTrue)
		c.Check(change.Revno, gc.Equals, int64(0))
	case <-time.After(testhelpers.LongWait):
		c.Fatal("timed out waiting for initial delivery")
	}
}

func (s *watcherSuite) TestSubscribeDeliversMutations(c *gc.C) {
	nodeID := location.Global
	changes := make(chan state.TallyChange, 10)
	cancel, err := s.w.Subscribe(nodeID, func(change state.TallyChange) {
		changes <- change
	})
	c.Assert(err, jc.ErrorIsNil)
	defer cancel()

	// Initial zero value.
	c.Check(s.next(c, changes).Revno, gc.Equals, int64(0))

	s.publish(nodeID, ballot.Counts{Valid: 1}, 1)
	s.publish(nodeID, ballot.Counts{Valid: 2}, 2)

	c.Check(s.next(c, changes).Counts.Valid, gc.Equals, int64(1))
	c.Check(s.next(c, changes).Counts.Valid, gc.Equals, int64(2))
}

func (s *watcherSuite) TestStaleDeliveriesDropped(c *gc.C) {
	nodeID := location.Global
	s.reader.set(nodeID, ballot.Counts{Valid: 4}, 4)

	changes := make(chan state.TallyChange, 10)
	cancel, err := s.w.Subscribe(nodeID, func(change state.TallyChange) {
		changes <- change
	})
	c.Assert(err, jc.ErrorIsNil)
	defer cancel()

	c.Check(s.next(c, changes).Revno, gc.Equals, int64(4))

	// A republished older revision must not reach the subscriber.
	s.publish(nodeID, ballot.Counts{Valid: 3}, 3)
	s.publish(nodeID, ballot.Counts{Valid: 5}, 5)

	c.Check(s.next(c, changes).Revno, gc.Equals, int64(5))
}

func (s *watcherSuite) TestCancelStopsDelivery(c *gc.C) {
	nodeID := location.Global
	changes := make(chan state.TallyChange, 10)
	cancel, err := s.w.Subscribe(nodeID, func(change state.TallyChange) {
		changes <- change
	})
	c.Assert(err, jc.ErrorIsNil)
	s.next(c, changes)

	cancel()
	s.publish(nodeID, ballot.Counts{Valid: 1}, 1)

	select {
	case change := <-changes:
		c.Fatalf("unexpected delivery after cancel: %+v", change)
	case <-time.After(testhelpers.ShortWait):
	}
}

func (s *watcherSuite) TestCancelIsIdempotent(c *gc.C) {
	cancel, err := s.w.Subscribe(location.Global, func(state.TallyChange) {})
	c.Assert(err, jc.ErrorIsNil)
	cancel()
	cancel()
	cancel()
}

func (s *watcherSuite) TestSubscribeReaderError(c *gc.C) {
	s.reader.err = errors.New("primary gone")
	_, err := s.w.Subscribe(location.Global, func(state.TallyChange) {})
	c.Check(err, gc.ErrorMatches, `reading initial tally "global": primary gone`)
}

func (s *watcherSuite) TestSubscribeMany(c *gc.C) {
	r1 := location.RegionNode("R1")
	r2 := location.RegionNode("R2")
	s.reader.set(r1, ballot.Counts{Valid: 1}, 1)
	s.reader.set(r2, ballot.Counts{Valid: 2}, 1)

	snapshots := make(chan map[string]state.TallyChange, 10)
	cancel, err := s.w.SubscribeMany([]location.NodeID{r1, r2}, func(m map[string]state.TallyChange) {
		snapshots <- m
	})
	c.Assert(err, jc.ErrorIsNil)
	defer cancel()

	// After both initial deliveries the merged map holds both regions,
	// keyed by full node id path.
	var last map[string]state.TallyChange
	for len(last) != 2 {
		select {
		case last = <-snapshots:
		case <-time.After(testhelpers.LongWait):
			c.Fatal("timed out waiting for merged snapshot")
		}
	}
	c.Check(last["region/R1"].Counts.Valid, gc.Equals, int64(1))
	c.Check(last["region/R2"].Counts.Valid, gc.Equals, int64(2))

	s.publish(r2, ballot.Counts{Valid: 7}, 2)
	for last["region/R2"].Counts.Valid != 7 {
		select {
		case last = <-snapshots:
		case <-time.After(testhelpers.LongWait):
			c.Fatal("timed out waiting for updated snapshot")
		}
	}
	c.Check(last["region/R1"].Counts.Valid, gc.Equals, int64(1))
}

func (s *watcherSuite) TestSubscribeManySameLeafNameStaysDistinct(c *gc.C) {
	// P3 exists under both regions; the merged map must carry an entry
	// for each, not fold them into one.
	p1 := location.PrecinctNode("R1", "P3")
	p2 := location.PrecinctNode("R2", "P3")
	s.reader.set(p1, ballot.Counts{Valid: 1}, 1)
	s.reader.set(p2, ballot.Counts{Valid: 2}, 1)

	snapshots := make(chan map[string]state.TallyChange, 10)
	cancel, err := s.w.SubscribeMany([]location.NodeID{p1, p2}, func(m map[string]state.TallyChange) {
		snapshots <- m
	})
	c.Assert(err, jc.ErrorIsNil)
	defer cancel()

	var last map[string]state.TallyChange
	for len(last) != 2 {
		select {
		case last = <-snapshots:
		case <-time.After(testhelpers.LongWait):
			c.Fatal("timed out waiting for merged snapshot")
		}
	}
	c.Check(last["region/R1/precinct/P3"].Counts.Valid, gc.Equals, int64(1))
	c.Check(last["region/R2/precinct/P3"].Counts.Valid, gc.Equals, int64(2))
}

func (s *watcherSuite) TestSubscribeManySiblingFailureIsolated(c *gc.C) {
	r1 := location.RegionNode("R1")
	r2 := location.RegionNode("R2")
	s.reader.failFor = r1

	snapshots := make(chan map[string]state.TallyChange, 10)
	cancel, err := s.w.SubscribeMany([]location.NodeID{r1, r2}, func(m map[string]state.TallyChange) {
		snapshots <- m
	})
	c.Assert(err, jc.ErrorIsNil)
	defer cancel()

	select {
	case snapshot := <-snapshots:
		_, ok := snapshot["region/R2"]
		c.Check(ok, jc.IsTrue)
	case <-time.After(testhelpers.LongWait):
		c.Fatal("timed out waiting for surviving sibling")
	}
}

func (s *watcherSuite) TestSubscribeManyAllFailed(c *gc.C) {
	s.reader.err = errors.New("primary gone")
	_, err := s.w.SubscribeMany([]location.NodeID{location.Global}, func(map[string]state.TallyChange) {})
	c.Check(err, gc.ErrorMatches, "no subscriptions attached: .*")
}

func (s *watcherSuite) TestKillCancelsSubscriptions(c *gc.C) {
	changes := make(chan state.TallyChange, 10)
	_, err := s.w.Subscribe(location.Global, func(change state.TallyChange) {
		changes <- change
	})
	c.Assert(err, jc.ErrorIsNil)
	s.next(c, changes)

	s.w.Kill()
	c.Assert(s.w.Wait(), jc.ErrorIsNil)

	s.publish(location.Global, ballot.Counts{Valid: 1}, 1)
	select {
	case change := <-changes:
		c.Fatalf("unexpected delivery after kill: %+v", change)
	case <-time.After(testhelpers.ShortWait):
	}

	_, err = s.w.Subscribe(location.Global, func(state.TallyChange) {})
	c.Check(err, gc.ErrorMatches, "watcher is stopping")
}

func (s *watcherSuite) next(c *gc.C, changes chan state.TallyChange) state.TallyChange {
	select {
	case change := <-changes:
		return change
	case <-time.After(testhelpers.LongWait):
		c.Fatal("timed out waiting for delivery")
		panic("unreachable")
	}
}

type fakeReader struct {
	mu      sync.Mutex
	tallies map[location.NodeID]state.Tally
	err     error
	failFor location.NodeID
}

func (r *fakeReader) set(nodeID location.NodeID, counts ballot.Counts, revno int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tallies[nodeID] = state.Tally{NodeID: nodeID, Counts: counts, Revno: revno}
}

func (r *fakeReader) Tally(nodeID location.NodeID) (state.Tally, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return state.Tally{}, r.err
	}
	if r.failFor != "" && r.failFor == nodeID {
		return state.Tally{}, errors.Errorf("no tally for %q", nodeID)
	}
	return r.tallies[nodeID], nil
}
