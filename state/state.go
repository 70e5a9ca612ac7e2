// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists the three record families of the tally service in
// MongoDB: the append-only vote event log, the per-node aggregate tallies,
// and the dispute ledger. All mutation goes through client-side
// transactions with per-document asserts, so concurrent writers are
// serialized at the document boundary and counter updates are never
// read-modify-write races. Every committed tally mutation is published on
// the state's pubsub hub for the watcher layer to fan out.
package state

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/txn"
	"github.com/juju/pubsub/v2"
	jujutxn "github.com/juju/txn/v3"
)

var logger = loggo.GetLogger("votecounter.state")

const (
	votesC    = "votes"
	talliesC  = "tallies"
	disputesC = "disputes"
)

// State exposes the persistent stores to the rest of the service. It owns
// its own copy of the mongo session; Close releases it.
type State struct {
	session *mgo.Session
	db      *mgo.Database
	runner  jujutxn.Runner
	clock   clock.Clock
	hub     *pubsub.SimpleHub
}

// Open returns a State backed by the named database on the given session.
// The caller retains ownership of the session; State copies it.
func Open(session *mgo.Session, database string, clk clock.Clock) (*State, error) {
	if session == nil {
		return nil, errors.NotValidf("nil mongo session")
	}
	if database == "" {
		return nil, errors.NotValidf("empty database name")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	copied := session.Copy()
	db := copied.DB(database)
	st := &State{
		session: copied,
		db:      db,
		runner:  jujutxn.NewRunner(jujutxn.RunnerParams{Database: db}),
		clock:   clk,
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("votecounter.state.hub"),
		}),
	}
	if err := st.ensureIndexes(); err != nil {
		copied.Close()
		return nil, errors.Trace(err)
	}
	return st, nil
}

// Close releases the state's mongo session. The hub keeps delivering any
// already-queued notifications.
func (st *State) Close() error {
	st.session.Close()
	return nil
}

// Hub exposes the change-notification hub for the watcher layer. Only
// state publishes on it.
func (st *State) Hub() *pubsub.SimpleHub {
	return st.hub
}

func (st *State) ensureIndexes() error {
	votes := st.db.C(votesC)
	for _, index := range []mgo.Index{
		{Key: []string{"region-id", "-created-at"}},
		{Key: []string{"actor-id", "-created-at"}},
	} {
		if err := votes.EnsureIndex(index); err != nil {
			return errors.Annotate(err, "ensuring vote indexes")
		}
	}
	disputes := st.db.C(disputesC)
	if err := disputes.EnsureIndex(mgo.Index{Key: []string{"-created-at"}}); err != nil {
		return errors.Annotate(err, "ensuring dispute indexes")
	}
	return nil
}

// run executes a transaction build function under the state's runner,
// retrying on assert contention.
func (st *State) run(buildTxn jujutxn.TransactionSource) error {
	return st.runner.Run(buildTxn)
}

// runTransaction executes a fixed set of operations once.
func (st *State) runTransaction(ops []txn.Op) error {
	return st.runner.RunTransaction(&jujutxn.Transaction{Ops: ops})
}
