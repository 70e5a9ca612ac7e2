// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/albanx/vote-counter/core/location"
	"github.com/albanx/vote-counter/state"
)

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Dashboards are served from arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

const websocketWriteTimeout = 30 * time.Second

// watchTallies upgrades the connection and streams tally frames for the
// requested nodes until the client disconnects. Nodes are named
// explicitly with node=<id> parameters; children=<id> subscribes to a
// node together with its immediate children, which is how a drill-down
// dashboard follows a whole sibling set. Each frame is a JSON map from
// node name to its latest aggregate; the first frame carries the current
// values. Frames coalesce under a slow reader, so a client always
// converges on the newest state rather than a backlog.
func (srv *Server) watchTallies(w http.ResponseWriter, req *http.Request) {
	nodeIDs, err := srv.watchNodes(req)
	if err != nil {
		sendError(w, errors.Trace(err))
		return
	}

	conn, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	frames := &frameMailbox{ch: make(chan map[string]TallyResult, 1)}
	cancel, err := srv.config.Watcher.SubscribeMany(nodeIDs, func(changes map[string]state.TallyChange) {
		frame := make(map[string]TallyResult, len(changes))
		for path, change := range changes {
			frame[path] = TallyResult{
				Node:      string(change.NodeID),
				Name:      change.NodeID.Name(),
				Valid:     change.Counts.Valid,
				Invalid:   change.Counts.Invalid,
				Contested: change.Counts.Contested,
				UpdatedAt: change.UpdatedAt,
			}
		}
		frames.put(frame)
	})
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(websocketWriteTimeout))
		return
	}
	defer cancel()

	// The read pump exists only to notice disconnection; clients send
	// nothing meaningful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame := <-frames.ch:
			conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				logger.Debugf("websocket write failed: %v", err)
				return
			}
		case <-closed:
			return
		}
	}
}

// watchNodes resolves the watch query parameters into the node set to
// subscribe to, deduplicated in request order.
func (srv *Server) watchNodes(req *http.Request) ([]location.NodeID, error) {
	q := req.URL.Query()
	var nodeIDs []location.NodeID
	seen := make(map[location.NodeID]bool)
	add := func(nodeID location.NodeID) {
		if !seen[nodeID] {
			seen[nodeID] = true
			nodeIDs = append(nodeIDs, nodeID)
		}
	}
	for _, name := range q["node"] {
		nodeID, err := location.ParseNodeID(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		add(nodeID)
	}
	for _, name := range q["children"] {
		nodeID, err := location.ParseNodeID(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		children, err := srv.config.Directory.ChildNodes(nodeID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		add(nodeID)
		for _, child := range children {
			add(child)
		}
	}
	if len(nodeIDs) == 0 {
		return nil, errors.NotValidf("missing node query parameter")
	}
	return nodeIDs, nil
}

// frameMailbox holds at most the latest undelivered frame. put never
// blocks the publishing goroutine; an unread frame is replaced by its
// successor, which supersedes it.
type frameMailbox struct {
	ch chan map[string]TallyResult
}

func (m *frameMailbox) put(frame map[string]TallyResult) {
	for {
		select {
		case m.ch <- frame:
			return
		default:
			select {
			case <-m.ch:
			default:
			}
		}
	}
}
