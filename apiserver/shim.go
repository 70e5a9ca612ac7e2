// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"github.com/juju/errors"

	"github.com/albanx/vote-counter/core/location"
	"github.com/albanx/vote-counter/state"
)

// stateShim adapts *state.State to the Backend interface, lifting its
// concrete result types to the interfaces the handlers consume.
type stateShim struct {
	st *state.State
}

// NewStateBackend returns a Backend backed by the given state.
func NewStateBackend(st *state.State) Backend {
	return stateShim{st: st}
}

func (s stateShim) Tally(nodeID location.NodeID) (state.Tally, error) {
	return s.st.Tally(nodeID)
}

func (s stateShim) Votes(filter state.VoteFilter) ([]Vote, error) {
	votes, err := s.st.Votes(filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]Vote, len(votes))
	for i, v := range votes {
		result[i] = v
	}
	return result, nil
}

func (s stateShim) OpenDispute(voteID, comment string) (Dispute, error) {
	dispute, err := s.st.OpenDispute(voteID, comment)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return dispute, nil
}

func (s stateShim) Dispute(id string) (Dispute, error) {
	dispute, err := s.st.Dispute(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return dispute, nil
}

func (s stateShim) TransitionDispute(id string, to state.DisputeStatus) error {
	return s.st.TransitionDispute(id, to)
}

func (s stateShim) Disputes() ([]Dispute, error) {
	disputes, err := s.st.Disputes()
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := make([]Dispute, len(disputes))
	for i, d := range disputes {
		result[i] = d
	}
	return result, nil
}
