// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"
	"github.com/juju/testing"
	gc "gopkg.in/check.v1"

	"github.com/albanx/vote-counter/core/ballot"
	"github.com/albanx/vote-counter/core/location"
)

type opsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&opsSuite{})

var opsNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func validArgs() RecordVoteArgs {
	return RecordVoteArgs{
		EventID:    "evt-1",
		ActorID:    "agent-9",
		ActorLabel: "Agent Nine",
		Kind:       ballot.KindValid,
		Direction:  ballot.DirectionIncrement,
		RegionID:   "R1",
		PrecinctID: "P3",
		BoxID:      "B7",
		Metadata:   ballot.ClientMetadata{UserAgent: "ua", OS: "android"},
		Chain: []location.NodeID{
			location.BoxNode("R1", "P3", "B7"),
			location.PrecinctNode("R1", "P3"),
			location.RegionNode("R1"),
			location.Global,
		},
	}
}

func (s *opsSuite) TestInsertVoteOp(c *gc.C) {
	doc := newVoteDoc(validArgs(), opsNow)
	op := insertVoteOp(doc)
	c.Check(op.C, gc.Equals, votesC)
	c.Check(op.Id, gc.Equals, "evt-1")
	c.Check(op.Assert, gc.Equals, txn.DocMissing)
	c.Check(op.Insert, gc.DeepEquals, doc)
}

func (s *opsSuite) TestNewVoteDoc(c *gc.C) {
	doc := newVoteDoc(validArgs(), opsNow)
	c.Check(doc, gc.DeepEquals, voteDoc{
		ID:         "evt-1",
		ActorID:    "agent-9",
		ActorLabel: "Agent Nine",
		Kind:       "valid",
		Direction:  "increment",
		RegionID:   "R1",
		PrecinctID: "P3",
		BoxID:      "B7",
		CreatedAt:  opsNow,
		Metadata:   clientMetadataDoc{UserAgent: "ua", OS: "android"},
	})
}

func (s *opsSuite) TestRecordVoteArgsValidate(c *gc.C) {
	c.Check(validArgs().Validate(), gc.IsNil)

	broken := validArgs()
	broken.EventID = ""
	c.Check(broken.Validate(), gc.ErrorMatches, "empty event id not valid")

	broken = validArgs()
	broken.Kind = "spoiled"
	c.Check(broken.Validate(), gc.ErrorMatches, `vote kind "spoiled" not valid`)

	broken = validArgs()
	broken.PrecinctID = ""
	c.Check(broken.Validate(), gc.ErrorMatches, `location "R1"/"" not valid`)

	broken = validArgs()
	broken.Chain = nil
	c.Check(broken.Validate(), gc.ErrorMatches, "empty node chain not valid")
}

func (s *opsSuite) TestApplyDeltaOpIncrement(c *gc.C) {
	nodeID := location.RegionNode("R1")
	op := applyDeltaOp(nodeID, ballot.KindContested, ballot.DirectionIncrement, opsNow)
	c.Check(op.C, gc.Equals, talliesC)
	c.Check(op.Id, gc.Equals, "region/R1")
	c.Check(op.Assert, gc.Equals, txn.DocExists)
	c.Check(op.Update, gc.DeepEquals, bson.D{
		{Name: "$inc", Value: bson.D{
			{Name: "contested", Value: int64(1)},
			{Name: "revno", Value: 1},
		}},
		{Name: "$set", Value: bson.D{{Name: "updated-at", Value: opsNow}}},
	})
}

func (s *opsSuite) TestApplyDeltaOpDecrementGuarded(c *gc.C) {
	nodeID := location.BoxNode("R1", "P3", "B7")
	op := applyDeltaOp(nodeID, ballot.KindValid, ballot.DirectionDecrement, opsNow)
	c.Check(op.Assert, gc.DeepEquals, bson.D{
		{Name: "valid", Value: bson.D{{Name: "$gte", Value: 1}}},
	})
	c.Check(op.Update, gc.DeepEquals, bson.D{
		{Name: "$inc", Value: bson.D{
			{Name: "valid", Value: int64(-1)},
			{Name: "revno", Value: 1},
		}},
		{Name: "$set", Value: bson.D{{Name: "updated-at", Value: opsNow}}},
	})
}

func (s *opsSuite) TestInsertWithDeltaDoc(c *gc.C) {
	doc := insertWithDeltaDoc(location.Global, ballot.KindInvalid, opsNow)
	c.Check(doc.ID, gc.Equals, "global")
	c.Check(doc.Invalid, gc.Equals, int64(1))
	c.Check(doc.Valid, gc.Equals, int64(0))
	c.Check(doc.Contested, gc.Equals, int64(0))
	c.Check(doc.Revno, gc.Equals, int64(1))
	c.Check(doc.CreatedAt, gc.Equals, opsNow)
}

func (s *opsSuite) TestVoteFilterQuery(c *gc.C) {
	c.Check(VoteFilter{}.query(), gc.HasLen, 0)
	c.Check(VoteFilter{RegionID: "R1", ActorID: "a"}.query(), gc.DeepEquals, bson.D{
		{Name: "region-id", Value: "R1"},
		{Name: "actor-id", Value: "a"},
	})
}

func (s *opsSuite) TestTallyTopic(c *gc.C) {
	c.Check(TallyTopic(location.Global), gc.Equals, "tally.global")
	c.Check(TallyTopic(location.RegionNode("R1")), gc.Equals, "tally.region/R1")
}

func (s *opsSuite) TestDisputeTransitionTable(c *gc.C) {
	c.Check(disputeNext[DisputeOpen], gc.Equals, DisputeUnderReview)
	c.Check(disputeNext[DisputeUnderReview], gc.Equals, DisputeResolved)
	_, ok := disputeNext[DisputeResolved]
	c.Check(ok, gc.Equals, false)
}

func (s *opsSuite) TestTallyDocCounts(c *gc.C) {
	doc := tallyDoc{Valid: 4, Invalid: 2, Contested: 1}
	c.Check(doc.counts(), gc.DeepEquals, ballot.Counts{Valid: 4, Invalid: 2, Contested: 1})
}
