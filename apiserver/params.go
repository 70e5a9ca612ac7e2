// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"time"

	"github.com/albanx/vote-counter/core/ballot"
)

// RecordVoteRequest is the ingest payload for a single counting action.
// The event id is caller-supplied and globally unique; resubmitting the
// same id is safe and reports "duplicate".
type RecordVoteRequest struct {
	EventID    string                `json:"event-id"`
	ActorID    string                `json:"actor-id"`
	ActorLabel string                `json:"actor-label,omitempty"`
	Kind       string                `json:"kind"`
	Direction  string                `json:"direction"`
	RegionID   string                `json:"region-id"`
	PrecinctID string                `json:"precinct-id"`
	BoxID      string                `json:"box-id,omitempty"`
	Metadata   ballot.ClientMetadata `json:"metadata,omitempty"`
}

// RecordVoteResponse reports the coarse outcome of an ingest call.
type RecordVoteResponse struct {
	Result string `json:"result"`
}

// TallyResult is a point-in-time aggregate for one hierarchy node.
type TallyResult struct {
	Node      string    `json:"node"`
	Name      string    `json:"name"`
	Valid     int64     `json:"valid"`
	Invalid   int64     `json:"invalid"`
	Contested int64     `json:"contested"`
	UpdatedAt time.Time `json:"updated-at,omitempty"`
}

// VoteResult is a stored vote event, returned by the audit query.
type VoteResult struct {
	EventID    string                `json:"event-id"`
	ActorID    string                `json:"actor-id"`
	ActorLabel string                `json:"actor-label,omitempty"`
	Kind       string                `json:"kind"`
	Direction  string                `json:"direction"`
	RegionID   string                `json:"region-id"`
	PrecinctID string                `json:"precinct-id"`
	BoxID      string                `json:"box-id,omitempty"`
	CreatedAt  time.Time             `json:"created-at"`
	Metadata   ballot.ClientMetadata `json:"metadata,omitempty"`
}

// OpenDisputeRequest opens a dispute annotation against a vote event.
type OpenDisputeRequest struct {
	VoteID  string `json:"vote-id"`
	Comment string `json:"comment"`
}

// TransitionDisputeRequest moves a dispute to its next review status.
type TransitionDisputeRequest struct {
	Status string `json:"status"`
}

// DisputeResult is a stored dispute annotation.
type DisputeResult struct {
	ID        string    `json:"id"`
	VoteID    string    `json:"vote-id"`
	Comment   string    `json:"comment"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created-at"`
}

// RegionResult is one region of the location directory export.
type RegionResult struct {
	Precincts map[string][]string `json:"precincts"`
}

// LocationsResult is the read-only directory export for selector UIs.
type LocationsResult struct {
	Regions map[string]RegionResult `json:"regions"`
}

// Error is the JSON error body for non-2xx responses.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
