// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package recorder implements the aggregation protocol: accept a vote
// action, resolve its ancestor chain, append the event and propagate the
// signed delta to every chain node atomically, falling back to sequential
// per-document writes when the transactional commit is unavailable. The
// recorder is stateless between calls; all state lives behind the Backend.
package recorder

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/albanx/vote-counter/core/ballot"
	"github.com/albanx/vote-counter/core/location"
	"github.com/albanx/vote-counter/state"
)

var logger = loggo.GetLogger("votecounter.recorder")

// Result is the coarse-grained outcome of a Record call. No store or
// node-level error crosses this boundary undigested.
type Result string

const (
	// ResultAccepted means the event is durably recorded, fully or
	// degraded.
	ResultAccepted Result = "accepted"
	// ResultDuplicate means the event id was already recorded; no counts
	// changed. Callers treat this as success.
	ResultDuplicate Result = "duplicate"
	// ResultFailed means nothing was applied; the caller should retain
	// the action and resubmit it later with the same event id.
	ResultFailed Result = "failed"
)

// Backend is the slice of the state layer the recorder drives.
type Backend interface {
	EnsureTally(location.NodeID) error
	RecordVote(state.RecordVoteArgs) (state.RecordVoteResult, error)
	RecordVoteFallback(state.RecordVoteArgs) (state.RecordVoteResult, error)
}

var _ Backend = (*state.State)(nil)

// Action is a single client counting action.
type Action struct {
	EventID    string
	ActorID    string
	ActorLabel string
	Kind       ballot.Kind
	Direction  ballot.Direction
	RegionID   string
	PrecinctID string
	BoxID      string
	Metadata   ballot.ClientMetadata
}

// Config holds the recorder's dependencies.
type Config struct {
	Backend     Backend
	Directory   *location.Directory
	Granularity location.Granularity
	// Registerer, when set, receives the recorder's metrics collector.
	Registerer prometheus.Registerer
}

// Validate returns an error if the config is incomplete.
func (config Config) Validate() error {
	if config.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if config.Directory == nil {
		return errors.NotValidf("nil Directory")
	}
	if err := config.Granularity.Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Recorder accepts counting actions and drives the aggregation protocol.
// Safe for concurrent use; actions touching disjoint chains proceed fully
// in parallel, contention on shared nodes is resolved by the backend's
// per-document asserts.
type Recorder struct {
	config  Config
	metrics *Collector
}

// New returns a Recorder using the validated config.
func New(config Config) (*Recorder, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	metrics := NewMetricsCollector()
	if config.Registerer != nil {
		if err := config.Registerer.Register(metrics); err != nil {
			return nil, errors.Annotate(err, "registering recorder metrics")
		}
	}
	return &Recorder{config: config, metrics: metrics}, nil
}

// Record runs the protocol for one action and reports the coarse outcome.
// A non-nil error accompanies ResultFailed with the reason; Duplicate and
// Accepted return a nil error.
func (r *Recorder) Record(ctx context.Context, action Action) (Result, error) {
	if err := ctx.Err(); err != nil {
		return ResultFailed, errors.Trace(err)
	}
	if err := r.validateAction(action); err != nil {
		r.metrics.failures.Inc()
		return ResultFailed, errors.Trace(err)
	}
	chain, err := r.config.Directory.ResolveChain(action.RegionID, action.PrecinctID, action.BoxID)
	if err != nil {
		// The event cannot be chained; nothing was applied.
		r.metrics.failures.Inc()
		return ResultFailed, errors.Trace(err)
	}
	for _, nodeID := range chain {
		if err := r.config.Backend.EnsureTally(nodeID); err != nil {
			// The atomic path creates missing nodes itself; keep going.
			logger.Warningf("ensuring tally %q: %v", nodeID, err)
		}
	}
	args := state.RecordVoteArgs{
		EventID:    action.EventID,
		ActorID:    action.ActorID,
		ActorLabel: action.ActorLabel,
		Kind:       action.Kind,
		Direction:  action.Direction,
		RegionID:   action.RegionID,
		PrecinctID: action.PrecinctID,
		BoxID:      action.BoxID,
		Metadata:   action.Metadata,
		Chain:      chain,
	}
	result, err := r.config.Backend.RecordVote(args)
	if err == nil {
		r.observe(action, result)
		return ResultAccepted, nil
	}
	if errors.Is(err, errors.AlreadyExists) {
		r.metrics.duplicates.Inc()
		return ResultDuplicate, nil
	}
	if errors.Is(err, errors.NotValid) {
		r.metrics.failures.Inc()
		return ResultFailed, errors.Trace(err)
	}
	logger.Errorf("atomic commit of event %q failed, trying sequential fallback: %v", action.EventID, err)
	if err := ctx.Err(); err != nil {
		return ResultFailed, errors.Trace(err)
	}
	result, err = r.config.Backend.RecordVoteFallback(args)
	if errors.Is(err, errors.AlreadyExists) {
		r.metrics.duplicates.Inc()
		return ResultDuplicate, nil
	}
	if err != nil {
		r.metrics.failures.Inc()
		return ResultFailed, errors.Annotatef(err, "recording event %q", action.EventID)
	}
	r.metrics.fallbacks.Inc()
	for _, nodeID := range result.Failed {
		logger.Errorf("event %q: node %q not updated, chain left for reconciliation", action.EventID, nodeID)
	}
	r.observe(action, result)
	return ResultAccepted, nil
}

func (r *Recorder) validateAction(action Action) error {
	if action.EventID == "" {
		return errors.NotValidf("empty event id")
	}
	if action.ActorID == "" {
		return errors.NotValidf("empty actor id")
	}
	if err := action.Kind.Validate(); err != nil {
		return errors.Trace(err)
	}
	if err := action.Direction.Validate(); err != nil {
		return errors.Trace(err)
	}
	if action.RegionID == "" || action.PrecinctID == "" {
		return errors.NotValidf("location %q/%q", action.RegionID, action.PrecinctID)
	}
	switch r.config.Granularity {
	case location.BoxGranularity:
		if action.BoxID == "" {
			return errors.NotValidf("missing box id at box granularity")
		}
	case location.PrecinctGranularity:
		if action.BoxID != "" {
			return errors.NotValidf("box id %q at precinct granularity", action.BoxID)
		}
	}
	return nil
}

func (r *Recorder) observe(action Action, result state.RecordVoteResult) {
	r.metrics.recorded.WithLabelValues(string(action.Kind), string(action.Direction)).Inc()
	r.metrics.suppressed.Add(float64(len(result.Skipped)))
	for _, nodeID := range result.Skipped {
		logger.Debugf("event %q: decrement suppressed at %q", action.EventID, nodeID)
	}
}
