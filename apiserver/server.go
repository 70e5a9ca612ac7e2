// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the tally service over HTTP: a JSON API for
// recording and auditing votes, reading aggregates and managing
// disputes, plus a websocket endpoint streaming live tally changes.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albanx/vote-counter/core/ballot"
	"github.com/albanx/vote-counter/core/location"
	"github.com/albanx/vote-counter/recorder"
	"github.com/albanx/vote-counter/state"
)

var logger = loggo.GetLogger("votecounter.apiserver")

// VoteRecorder records counting actions. Implemented by *recorder.Recorder.
type VoteRecorder interface {
	Record(ctx context.Context, action recorder.Action) (recorder.Result, error)
}

// Vote is the view of a stored vote event the API serves.
type Vote interface {
	ID() string
	ActorID() string
	ActorLabel() string
	Kind() ballot.Kind
	Direction() ballot.Direction
	RegionID() string
	PrecinctID() string
	BoxID() string
	CreatedAt() time.Time
	Metadata() ballot.ClientMetadata
}

// Dispute is the view of a dispute annotation the API serves.
type Dispute interface {
	ID() string
	VoteID() string
	Comment() string
	Status() state.DisputeStatus
	CreatedAt() time.Time
}

// Backend provides the read and dispute operations the API serves.
// Use NewStateBackend to build one over *state.State.
type Backend interface {
	Tally(nodeID location.NodeID) (state.Tally, error)
	Votes(filter state.VoteFilter) ([]Vote, error)
	OpenDispute(voteID, comment string) (Dispute, error)
	Dispute(id string) (Dispute, error)
	TransitionDispute(id string, to state.DisputeStatus) error
	Disputes() ([]Dispute, error)
}

// TallySubscriber attaches live tally subscriptions for the websocket
// endpoint. Implemented by *watcher.Watcher.
type TallySubscriber interface {
	SubscribeMany(nodeIDs []location.NodeID, fn func(map[string]state.TallyChange)) (func(), error)
}

// Config holds the server's dependencies.
type Config struct {
	Recorder  VoteRecorder
	Backend   Backend
	Watcher   TallySubscriber
	Directory *location.Directory
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

// Validate returns an error if the config is incomplete.
func (config Config) Validate() error {
	if config.Recorder == nil {
		return errors.NotValidf("nil Recorder")
	}
	if config.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if config.Watcher == nil {
		return errors.NotValidf("nil Watcher")
	}
	if config.Directory == nil {
		return errors.NotValidf("nil Directory")
	}
	return nil
}

// Server routes tally API requests to the recorder, state and watcher.
type Server struct {
	config Config
	router *mux.Router
}

// NewServer returns a server ready to be mounted on an http.Server.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	srv := &Server{config: config}

	r := mux.NewRouter()
	r.HandleFunc("/votes", srv.recordVote).Methods("POST")
	r.HandleFunc("/votes", srv.listVotes).Methods("GET")
	r.HandleFunc("/tallies/{node:.+}", srv.getTally).Methods("GET")
	r.HandleFunc("/watch", srv.watchTallies).Methods("GET")
	r.HandleFunc("/disputes", srv.openDispute).Methods("POST")
	r.HandleFunc("/disputes", srv.listDisputes).Methods("GET")
	r.HandleFunc("/disputes/{id}/status", srv.transitionDispute).Methods("POST")
	r.HandleFunc("/locations", srv.listLocations).Methods("GET")
	if config.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}
	srv.router = r
	return srv, nil
}

// ServeHTTP implements http.Handler.
func (srv *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	srv.router.ServeHTTP(w, req)
}

func (srv *Server) recordVote(w http.ResponseWriter, req *http.Request) {
	var args RecordVoteRequest
	if err := json.NewDecoder(req.Body).Decode(&args); err != nil {
		sendError(w, errors.NotValidf("request body: %v", err))
		return
	}
	result, err := srv.config.Recorder.Record(req.Context(), recorder.Action{
		EventID:    args.EventID,
		ActorID:    args.ActorID,
		ActorLabel: args.ActorLabel,
		Kind:       ballot.Kind(args.Kind),
		Direction:  ballot.Direction(args.Direction),
		RegionID:   args.RegionID,
		PrecinctID: args.PrecinctID,
		BoxID:      args.BoxID,
		Metadata:   args.Metadata,
	})
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, RecordVoteResponse{Result: string(result)})
}

func (srv *Server) listVotes(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	votes, err := srv.config.Backend.Votes(state.VoteFilter{
		RegionID:   q.Get("region"),
		PrecinctID: q.Get("precinct"),
		BoxID:      q.Get("box"),
		ActorID:    q.Get("actor"),
	})
	if err != nil {
		sendError(w, err)
		return
	}
	results := make([]VoteResult, len(votes))
	for i, v := range votes {
		results[i] = VoteResult{
			EventID:    v.ID(),
			ActorID:    v.ActorID(),
			ActorLabel: v.ActorLabel(),
			Kind:       string(v.Kind()),
			Direction:  string(v.Direction()),
			RegionID:   v.RegionID(),
			PrecinctID: v.PrecinctID(),
			BoxID:      v.BoxID(),
			CreatedAt:  v.CreatedAt(),
			Metadata:   v.Metadata(),
		}
	}
	sendJSON(w, http.StatusOK, results)
}

func (srv *Server) getTally(w http.ResponseWriter, req *http.Request) {
	nodeID, err := location.ParseNodeID(mux.Vars(req)["node"])
	if err != nil {
		sendError(w, err)
		return
	}
	tally, err := srv.config.Backend.Tally(nodeID)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, tallyResult(tally))
}

func (srv *Server) openDispute(w http.ResponseWriter, req *http.Request) {
	var args OpenDisputeRequest
	if err := json.NewDecoder(req.Body).Decode(&args); err != nil {
		sendError(w, errors.NotValidf("request body: %v", err))
		return
	}
	dispute, err := srv.config.Backend.OpenDispute(args.VoteID, args.Comment)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, disputeResult(dispute))
}

func (srv *Server) listDisputes(w http.ResponseWriter, req *http.Request) {
	disputes, err := srv.config.Backend.Disputes()
	if err != nil {
		sendError(w, err)
		return
	}
	results := make([]DisputeResult, len(disputes))
	for i, d := range disputes {
		results[i] = disputeResult(d)
	}
	sendJSON(w, http.StatusOK, results)
}

func (srv *Server) transitionDispute(w http.ResponseWriter, req *http.Request) {
	var args TransitionDisputeRequest
	if err := json.NewDecoder(req.Body).Decode(&args); err != nil {
		sendError(w, errors.NotValidf("request body: %v", err))
		return
	}
	id := mux.Vars(req)["id"]
	status := state.DisputeStatus(args.Status)
	if err := status.Validate(); err != nil {
		sendError(w, err)
		return
	}
	if err := srv.config.Backend.TransitionDispute(id, status); err != nil {
		sendError(w, err)
		return
	}
	dispute, err := srv.config.Backend.Dispute(id)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, disputeResult(dispute))
}

func (srv *Server) listLocations(w http.ResponseWriter, req *http.Request) {
	dir := srv.config.Directory
	result := LocationsResult{Regions: make(map[string]RegionResult)}
	for _, regionID := range dir.Regions() {
		precincts, err := dir.Precincts(regionID)
		if err != nil {
			sendError(w, errors.Trace(err))
			return
		}
		region := RegionResult{Precincts: make(map[string][]string)}
		for _, precinctID := range precincts {
			boxes, err := dir.Boxes(regionID, precinctID)
			if err != nil {
				sendError(w, errors.Trace(err))
				return
			}
			region.Precincts[precinctID] = boxes
		}
		result.Regions[regionID] = region
	}
	sendJSON(w, http.StatusOK, result)
}

func tallyResult(tally state.Tally) TallyResult {
	return TallyResult{
		Node:      string(tally.NodeID),
		Name:      tally.NodeID.Name(),
		Valid:     tally.Counts.Valid,
		Invalid:   tally.Counts.Invalid,
		Contested: tally.Counts.Contested,
		UpdatedAt: tally.UpdatedAt,
	}
}

func disputeResult(d Dispute) DisputeResult {
	return DisputeResult{
		ID:        d.ID(),
		VoteID:    d.VoteID(),
		Comment:   d.Comment(),
		Status:    string(d.Status()),
		CreatedAt: d.CreatedAt(),
	}
}

func sendJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		logger.Errorf("writing response: %v", err)
	}
}

func sendError(w http.ResponseWriter, err error) {
	// Anything not attributable to the request means the store behind us
	// failed, so the gateway status tells clients to retry elsewhere or
	// later rather than fix their request.
	status := http.StatusBadGateway
	body := Error{Message: err.Error(), Code: "store unavailable"}
	switch {
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
		body.Code = "not found"
	case errors.Is(err, errors.NotValid):
		status = http.StatusBadRequest
		body.Code = "not valid"
	case errors.Is(err, errors.AlreadyExists):
		status = http.StatusConflict
		body.Code = "already exists"
	}
	sendJSON(w, status, body)
}
