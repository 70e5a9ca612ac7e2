// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"
	jujutxn "github.com/juju/txn/v3"

	"github.com/albanx/vote-counter/core/ballot"
	"github.com/albanx/vote-counter/core/location"
)

// tallyDoc is the persistent per-node aggregate. The node id path is the
// document key. Counts never go below zero: decrement updates carry an
// assert that the field is at least one, so a racing decrement aborts and
// the rebuilt transaction skips the node instead.
type tallyDoc struct {
	ID        string    `bson:"_id"`
	Valid     int64     `bson:"valid"`
	Invalid   int64     `bson:"invalid"`
	Contested int64     `bson:"contested"`
	Revno     int64     `bson:"revno"`
	CreatedAt time.Time `bson:"created-at"`
	UpdatedAt time.Time `bson:"updated-at"`
}

func (doc tallyDoc) counts() ballot.Counts {
	return ballot.Counts{
		Valid:     doc.Valid,
		Invalid:   doc.Invalid,
		Contested: doc.Contested,
	}
}

// Tally is a point-in-time aggregate value for one hierarchy node. Revno
// increases by one with every committed mutation of the node and orders
// deliveries in the fan-out.
type Tally struct {
	NodeID    location.NodeID
	Counts    ballot.Counts
	Revno     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TallyChange is the payload published on the hub after every committed
// mutation of a node.
type TallyChange struct {
	NodeID    location.NodeID
	Counts    ballot.Counts
	Revno     int64
	UpdatedAt time.Time
}

// TallyTopic returns the hub topic carrying changes of the given node.
func TallyTopic(nodeID location.NodeID) string {
	return "tally." + string(nodeID)
}

func kindField(k ballot.Kind) string {
	return string(k)
}

// Tally returns the current aggregate for the node. A node that has never
// been touched reads as all-zero; reading never creates the document.
func (st *State) Tally(nodeID location.NodeID) (Tally, error) {
	tallies := st.db.C(talliesC)
	var doc tallyDoc
	err := tallies.FindId(string(nodeID)).One(&doc)
	if err == mgo.ErrNotFound {
		return Tally{NodeID: nodeID}, nil
	}
	if err != nil {
		return Tally{}, errors.Annotatef(err, "reading tally %q", nodeID)
	}
	return Tally{
		NodeID:    nodeID,
		Counts:    doc.counts(),
		Revno:     doc.Revno,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func newTallyDoc(nodeID location.NodeID, now time.Time) tallyDoc {
	return tallyDoc{
		ID:        string(nodeID),
		Revno:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EnsureTally idempotently creates the zero-valued aggregate document for
// a node. Safe under concurrent calls: at most one creation wins, the
// others observe the existing document.
func (st *State) EnsureTally(nodeID location.NodeID) error {
	tallies := st.db.C(talliesC)
	buildTxn := func(int) ([]txn.Op, error) {
		count, err := tallies.FindId(string(nodeID)).Count()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if count > 0 {
			return nil, jujutxn.ErrNoOperations
		}
		return []txn.Op{{
			C:      talliesC,
			Id:     string(nodeID),
			Assert: txn.DocMissing,
			Insert: newTallyDoc(nodeID, st.clock.Now()),
		}}, nil
	}
	if err := st.run(buildTxn); err != nil {
		return errors.Annotatef(err, "ensuring tally %q", nodeID)
	}
	return nil
}

// applyDeltaOp returns the operation applying a signed unit delta of the
// given kind to an existing node document. Decrements assert the field is
// still positive so the transaction aborts, rebuilds and skips the node
// rather than committing a negative count.
func applyDeltaOp(nodeID location.NodeID, kind ballot.Kind, direction ballot.Direction, now time.Time) txn.Op {
	assert := interface{}(txn.DocExists)
	if direction == ballot.DirectionDecrement {
		assert = bson.D{{Name: kindField(kind), Value: bson.D{{Name: "$gte", Value: 1}}}}
	}
	return txn.Op{
		C:      talliesC,
		Id:     string(nodeID),
		Assert: assert,
		Update: bson.D{
			{Name: "$inc", Value: bson.D{
				{Name: kindField(kind), Value: direction.Sign()},
				{Name: "revno", Value: 1},
			}},
			{Name: "$set", Value: bson.D{{Name: "updated-at", Value: now}}},
		},
	}
}

// insertWithDeltaDoc returns the document created when a chain node is
// first referenced by an increment: the delta is folded into the creation.
func insertWithDeltaDoc(nodeID location.NodeID, kind ballot.Kind, now time.Time) tallyDoc {
	doc := newTallyDoc(nodeID, now)
	switch kind {
	case ballot.KindValid:
		doc.Valid = 1
	case ballot.KindInvalid:
		doc.Invalid = 1
	case ballot.KindContested:
		doc.Contested = 1
	}
	return doc
}

// RecordVoteResult reports how a vote event's delta propagated along its
// chain.
type RecordVoteResult struct {
	// Applied lists the nodes whose counts changed.
	Applied []location.NodeID
	// Skipped lists the nodes whose decrement was suppressed by the
	// non-negative floor.
	Skipped []location.NodeID
	// Failed lists the nodes the degraded fallback could not update.
	Failed []location.NodeID
	// Degraded is true when the fallback path committed the event, in
	// which case some chain nodes may lag until reconciliation.
	Degraded bool
}

// RecordVote appends the vote event and applies its signed delta to every
// node of the chain as one transaction: either the event and all node
// updates become visible together, or nothing does. A resubmitted event id
// returns AlreadyExists and changes nothing. Nodes whose decrement would
// go negative are skipped without failing the chain, re-evaluated against
// committed state on every contention retry.
func (st *State) RecordVote(args RecordVoteArgs) (RecordVoteResult, error) {
	if err := args.Validate(); err != nil {
		return RecordVoteResult{}, errors.Trace(err)
	}
	tallies := st.db.C(talliesC)
	var result RecordVoteResult
	buildTxn := func(attempt int) ([]txn.Op, error) {
		if attempt > 0 {
			// The asserts failed; find out whether it was the event
			// insert racing a duplicate or only tally contention.
			if recorded, err := st.hasVote(args.EventID); err != nil {
				return nil, errors.Trace(err)
			} else if recorded {
				return nil, errors.AlreadyExistsf("vote event %q", args.EventID)
			}
		}
		now := st.clock.Now()
		result = RecordVoteResult{}
		ops := []txn.Op{insertVoteOp(newVoteDoc(args, now))}
		for _, nodeID := range args.Chain {
			var doc tallyDoc
			err := tallies.FindId(string(nodeID)).One(&doc)
			switch {
			case err == mgo.ErrNotFound && args.Direction == ballot.DirectionIncrement:
				ops = append(ops, txn.Op{
					C:      talliesC,
					Id:     string(nodeID),
					Assert: txn.DocMissing,
					Insert: insertWithDeltaDoc(nodeID, args.Kind, now),
				})
				result.Applied = append(result.Applied, nodeID)
			case err == mgo.ErrNotFound:
				// Nothing to decrement on a node that was never counted.
				result.Skipped = append(result.Skipped, nodeID)
			case err != nil:
				return nil, errors.Trace(err)
			case args.Direction == ballot.DirectionDecrement && doc.counts().Of(args.Kind) < 1:
				result.Skipped = append(result.Skipped, nodeID)
			default:
				ops = append(ops, applyDeltaOp(nodeID, args.Kind, args.Direction, now))
				result.Applied = append(result.Applied, nodeID)
			}
		}
		return ops, nil
	}
	if err := st.run(buildTxn); err != nil {
		if errors.Is(err, errors.AlreadyExists) {
			return RecordVoteResult{}, errors.Trace(err)
		}
		return RecordVoteResult{}, errors.Annotatef(err, "recording vote event %q", args.EventID)
	}
	for _, nodeID := range result.Applied {
		st.publishTally(nodeID)
	}
	for _, nodeID := range result.Skipped {
		logger.Debugf("decrement of %q at %q suppressed at zero", args.Kind, nodeID)
	}
	return result, nil
}

// RecordVoteFallback is the degraded path used when the transactional
// commit is unavailable: the event is appended first as the durable source
// of truth, then each chain node is updated individually, innermost to
// outermost, continuing past per-node failures. Partially propagated
// chains are possible and are left for reconciliation against the event
// log; this mirrors the behaviour the protocol is specified with.
func (st *State) RecordVoteFallback(args RecordVoteArgs) (RecordVoteResult, error) {
	if err := args.Validate(); err != nil {
		return RecordVoteResult{}, errors.Trace(err)
	}
	votes := st.db.C(votesC)
	err := votes.Insert(newVoteDoc(args, st.clock.Now()))
	if mgo.IsDup(err) {
		return RecordVoteResult{}, errors.AlreadyExistsf("vote event %q", args.EventID)
	}
	if err != nil {
		return RecordVoteResult{}, errors.Annotatef(err, "appending vote event %q", args.EventID)
	}
	result := RecordVoteResult{Degraded: true}
	tallies := st.db.C(talliesC)
	for _, nodeID := range args.Chain {
		if err := st.ensureTallyDirect(nodeID); err != nil {
			logger.Errorf("fallback: ensuring tally %q: %v", nodeID, err)
			result.Failed = append(result.Failed, nodeID)
			continue
		}
		now := st.clock.Now()
		selector := bson.D{{Name: "_id", Value: string(nodeID)}}
		if args.Direction == ballot.DirectionDecrement {
			selector = append(selector, bson.DocElem{
				Name:  kindField(args.Kind),
				Value: bson.D{{Name: "$gte", Value: 1}},
			})
		}
		err := tallies.Update(selector, bson.D{
			{Name: "$inc", Value: bson.D{
				{Name: kindField(args.Kind), Value: args.Direction.Sign()},
				{Name: "revno", Value: 1},
			}},
			{Name: "$set", Value: bson.D{{Name: "updated-at", Value: now}}},
		})
		switch {
		case err == mgo.ErrNotFound && args.Direction == ballot.DirectionDecrement:
			// The selector guard rejected the update: already at zero.
			result.Skipped = append(result.Skipped, nodeID)
		case err != nil:
			logger.Errorf("fallback: applying delta to %q: %v", nodeID, err)
			result.Failed = append(result.Failed, nodeID)
		default:
			result.Applied = append(result.Applied, nodeID)
			st.publishTally(nodeID)
		}
	}
	return result, nil
}

// ensureTallyDirect creates the zero-valued node document without the txn
// machinery, for use on the fallback path where the runner is suspect.
func (st *State) ensureTallyDirect(nodeID location.NodeID) error {
	tallies := st.db.C(talliesC)
	err := tallies.Insert(newTallyDoc(nodeID, st.clock.Now()))
	if err == nil || mgo.IsDup(err) {
		return nil
	}
	return errors.Trace(err)
}

// publishTally reads the node's committed value and publishes it on the
// hub. Failures only cost a notification; subscribers resynchronize on the
// next change.
func (st *State) publishTally(nodeID location.NodeID) {
	tally, err := st.Tally(nodeID)
	if err != nil {
		logger.Errorf("reading tally %q for publication: %v", nodeID, err)
		return
	}
	st.hub.Publish(TallyTopic(nodeID), TallyChange{
		NodeID:    nodeID,
		Counts:    tally.Counts,
		Revno:     tally.Revno,
		UpdatedAt: tally.UpdatedAt,
	})
}
