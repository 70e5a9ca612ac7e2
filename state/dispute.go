// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/mgo/v3/txn"
)

// DisputeStatus is the review state of a contested-vote annotation.
// Transitions are monotonic: open, then under_review, then resolved.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
)

// disputeNext maps each status to the only status it may move to.
var disputeNext = map[DisputeStatus]DisputeStatus{
	DisputeOpen:        DisputeUnderReview,
	DisputeUnderReview: DisputeResolved,
}

// Validate returns an error if the status is not a known value.
func (s DisputeStatus) Validate() error {
	switch s {
	case DisputeOpen, DisputeUnderReview, DisputeResolved:
		return nil
	}
	return errors.NotValidf("dispute status %q", s)
}

// disputeDoc is the persistent form of a dispute annotation. Disputes
// reference a vote event by id only; they never own or alter it.
type disputeDoc struct {
	ID        string    `bson:"_id"`
	VoteID    string    `bson:"vote-id"`
	Comment   string    `bson:"comment"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created-at"`
}

// Dispute is a human-reviewed annotation attached to a contested vote,
// independent of the counting protocol.
type Dispute struct {
	doc disputeDoc
}

// ID returns the generated dispute id.
func (d *Dispute) ID() string { return d.doc.ID }

// VoteID returns the id of the annotated vote event.
func (d *Dispute) VoteID() string { return d.doc.VoteID }

// Comment returns the reviewer-supplied explanation.
func (d *Dispute) Comment() string { return d.doc.Comment }

// Status returns the current review state.
func (d *Dispute) Status() DisputeStatus { return DisputeStatus(d.doc.Status) }

// CreatedAt returns the server timestamp the dispute was opened at.
func (d *Dispute) CreatedAt() time.Time { return d.doc.CreatedAt }

// OpenDispute appends a new dispute annotation for the given vote id. The
// vote reference is weak: it is not checked for existence, matching the
// review workflow which may annotate events still in flight. A comment is
// required.
func (st *State) OpenDispute(voteID, comment string) (*Dispute, error) {
	if voteID == "" {
		return nil, errors.NotValidf("empty vote id")
	}
	if comment == "" {
		return nil, errors.NotValidf("empty dispute comment")
	}
	doc := disputeDoc{
		ID:        uuid.NewString(),
		VoteID:    voteID,
		Comment:   comment,
		Status:    string(DisputeOpen),
		CreatedAt: st.clock.Now(),
	}
	ops := []txn.Op{{
		C:      disputesC,
		Id:     doc.ID,
		Assert: txn.DocMissing,
		Insert: doc,
	}}
	if err := st.runTransaction(ops); err != nil {
		return nil, errors.Annotatef(err, "opening dispute for vote %q", voteID)
	}
	return &Dispute{doc: doc}, nil
}

// Dispute returns the dispute with the given id.
func (st *State) Dispute(id string) (*Dispute, error) {
	disputes := st.db.C(disputesC)
	var doc disputeDoc
	err := disputes.FindId(id).One(&doc)
	if err == mgo.ErrNotFound {
		return nil, errors.NotFoundf("dispute %q", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading dispute %q", id)
	}
	return &Dispute{doc: doc}, nil
}

// TransitionDispute moves a dispute to the given status. Only the next
// step of open -> under_review -> resolved is accepted; any other request
// is rejected and the stored status is unchanged.
func (st *State) TransitionDispute(id string, to DisputeStatus) error {
	if err := to.Validate(); err != nil {
		return errors.Trace(err)
	}
	disputes := st.db.C(disputesC)
	buildTxn := func(int) ([]txn.Op, error) {
		var doc disputeDoc
		err := disputes.FindId(id).One(&doc)
		if err == mgo.ErrNotFound {
			return nil, errors.NotFoundf("dispute %q", id)
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		current := DisputeStatus(doc.Status)
		if disputeNext[current] != to {
			return nil, errors.NotValidf("dispute transition %q to %q", current, to)
		}
		return []txn.Op{{
			C:      disputesC,
			Id:     id,
			Assert: bson.D{{Name: "status", Value: string(current)}},
			Update: bson.D{{Name: "$set", Value: bson.D{{Name: "status", Value: string(to)}}}},
		}}, nil
	}
	if err := st.run(buildTxn); err != nil {
		if errors.Is(err, errors.NotFound) || errors.Is(err, errors.NotValid) {
			return errors.Trace(err)
		}
		return errors.Annotatef(err, "transitioning dispute %q", id)
	}
	return nil
}

// Disputes returns every dispute annotation, newest first.
func (st *State) Disputes() ([]*Dispute, error) {
	disputes := st.db.C(disputesC)
	var docs []disputeDoc
	err := disputes.Find(nil).Sort("-created-at").All(&docs)
	if err != nil {
		return nil, errors.Annotate(err, "querying disputes")
	}
	result := make([]*Dispute, len(docs))
	for i, doc := range docs {
		result[i] = &Dispute{doc: doc}
	}
	return result, nil
}
