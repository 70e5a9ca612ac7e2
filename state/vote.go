// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"

	"github.com/albanx/vote-counter/core/ballot"
	"github.com/albanx/vote-counter/core/location"
)

// voteDoc is the persistent form of a single vote event. The event id is
// the document key, which makes the insert the idempotence boundary: a
// resubmitted event aborts on the DocMissing assert instead of
// double-applying its delta.
type voteDoc struct {
	ID         string            `bson:"_id"`
	ActorID    string            `bson:"actor-id"`
	ActorLabel string            `bson:"actor-label"`
	Kind       string            `bson:"kind"`
	Direction  string            `bson:"direction"`
	RegionID   string            `bson:"region-id"`
	PrecinctID string            `bson:"precinct-id"`
	BoxID      string            `bson:"box-id,omitempty"`
	CreatedAt  time.Time         `bson:"created-at"`
	Metadata   clientMetadataDoc `bson:"metadata"`
}

type clientMetadataDoc struct {
	IP        string `bson:"ip,omitempty"`
	UserAgent string `bson:"user-agent,omitempty"`
	Browser   string `bson:"browser,omitempty"`
	OS        string `bson:"os,omitempty"`
}

// Vote is an immutable vote event read back from the store.
type Vote struct {
	doc voteDoc
}

// ID returns the caller-supplied globally unique event id.
func (v *Vote) ID() string { return v.doc.ID }

// ActorID returns the opaque identity credential of the reporting agent.
func (v *Vote) ActorID() string { return v.doc.ActorID }

// ActorLabel returns the human-readable identity snapshot taken when the
// event was recorded.
func (v *Vote) ActorLabel() string { return v.doc.ActorLabel }

// Kind returns the outcome category the ballot was counted under.
func (v *Vote) Kind() ballot.Kind { return ballot.Kind(v.doc.Kind) }

// Direction returns whether the event added or compensated a ballot.
func (v *Vote) Direction() ballot.Direction { return ballot.Direction(v.doc.Direction) }

// RegionID returns the region the ballot was reported from.
func (v *Vote) RegionID() string { return v.doc.RegionID }

// PrecinctID returns the precinct the ballot was reported from.
func (v *Vote) PrecinctID() string { return v.doc.PrecinctID }

// BoxID returns the ballot box id, empty in precinct-granularity
// deployments.
func (v *Vote) BoxID() string { return v.doc.BoxID }

// CreatedAt returns the server timestamp assigned on acceptance.
func (v *Vote) CreatedAt() time.Time { return v.doc.CreatedAt }

// Metadata returns the opaque client diagnostic blob.
func (v *Vote) Metadata() ballot.ClientMetadata {
	return ballot.ClientMetadata{
		IP:        v.doc.Metadata.IP,
		UserAgent: v.doc.Metadata.UserAgent,
		Browser:   v.doc.Metadata.Browser,
		OS:        v.doc.Metadata.OS,
	}
}

// RecordVoteArgs carries everything needed to append a vote event and
// propagate its delta along the resolved ancestor chain.
type RecordVoteArgs struct {
	EventID    string
	ActorID    string
	ActorLabel string
	Kind       ballot.Kind
	Direction  ballot.Direction
	RegionID   string
	PrecinctID string
	BoxID      string
	Metadata   ballot.ClientMetadata
	Chain      []location.NodeID
}

// Validate returns an error if the args cannot form a well-formed event.
func (args RecordVoteArgs) Validate() error {
	if args.EventID == "" {
		return errors.NotValidf("empty event id")
	}
	if args.ActorID == "" {
		return errors.NotValidf("empty actor id")
	}
	if err := args.Kind.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := args.Direction.Validate(); err != nil {
		return errors.Trace(err)
	}
	if args.RegionID == "" || args.PrecinctID == "" {
		return errors.NotValidf("location %q/%q", args.RegionID, args.PrecinctID)
	}
	if len(args.Chain) == 0 {
		return errors.NotValidf("empty node chain")
	}
	return nil
}

func newVoteDoc(args RecordVoteArgs, now time.Time) voteDoc {
	return voteDoc{
		ID:         args.EventID,
		ActorID:    args.ActorID,
		ActorLabel: args.ActorLabel,
		Kind:       string(args.Kind),
		Direction:  string(args.Direction),
		RegionID:   args.RegionID,
		PrecinctID: args.PrecinctID,
		BoxID:      args.BoxID,
		CreatedAt:  now,
		Metadata: clientMetadataDoc{
			IP:        args.Metadata.IP,
			UserAgent: args.Metadata.UserAgent,
			Browser:   args.Metadata.Browser,
			OS:        args.Metadata.OS,
		},
	}
}

func insertVoteOp(doc voteDoc) txn.Op {
	return txn.Op{
		C:      votesC,
		Id:     doc.ID,
		Assert: txn.DocMissing,
		Insert: doc,
	}
}

// Vote returns the stored vote event with the given id.
func (st *State) Vote(id string) (*Vote, error) {
	votes := st.db.C(votesC)
	var doc voteDoc
	err := votes.FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("vote event %q", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading vote event %q", id)
	}
	return &Vote{doc: doc}, nil
}

// hasVote reports whether a vote event with the given id is already
// recorded.
func (st *State) hasVote(id string) (bool, error) {
	votes := st.db.C(votesC)
	count, err := votes.FindId(id).Count()
	if err != nil {
		return false, errors.Trace(err)
	}
	return count > 0, nil
}

// VoteFilter narrows a vote event query. Empty fields match everything.
type VoteFilter struct {
	RegionID   string
	PrecinctID string
	BoxID      string
	ActorID    string
}

func (f VoteFilter) query() bson.D {
	var q bson.D
	if f.RegionID != "" {
		q = append(q, bson.DocElem{Name: "region-id", Value: f.RegionID})
	}
	if f.PrecinctID != "" {
		q = append(q, bson.DocElem{Name: "precinct-id", Value: f.PrecinctID})
	}
	if f.BoxID != "" {
		q = append(q, bson.DocElem{Name: "box-id", Value: f.BoxID})
	}
	if f.ActorID != "" {
		q = append(q, bson.DocElem{Name: "actor-id", Value: f.ActorID})
	}
	return q
}

// Votes returns the stored vote events matching the filter, newest first.
func (st *State) Votes(filter VoteFilter) ([]*Vote, error) {
	votes := st.db.C(votesC)
	var docs []voteDoc
	err := votes.Find(filter.query()).Sort("-created-at").All(&docs)
	if err != nil {
		return nil, errors.Annotate(err, "querying vote events")
	}
	result := make([]*Vote, len(docs))
	for i, doc := range docs {
		result[i] = &Vote{doc: doc}
	}
	return result, nil
}
