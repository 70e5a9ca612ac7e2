// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package location

import (
	"strings"

	"github.com/juju/errors"
)

// NodeID identifies a single node of the counting hierarchy as a composite
// path. The four shapes, outermost to innermost:
//
//	global
//	region/R1
//	region/R1/precinct/P3
//	region/R1/precinct/P3/box/B7
//
// The id doubles as the aggregate document key and the pubsub topic suffix
// for that node's tally.
type NodeID string

// Global is the single root node every chain ends in.
const Global NodeID = "global"

// Level is the depth of a node within the hierarchy.
type Level string

const (
	LevelGlobal   Level = "global"
	LevelRegion   Level = "region"
	LevelPrecinct Level = "precinct"
	LevelBox      Level = "box"
)

// RegionNode returns the node id for a region.
func RegionNode(regionID string) NodeID {
	return NodeID("region/" + regionID)
}

// PrecinctNode returns the node id for a precinct within a region.
func PrecinctNode(regionID, precinctID string) NodeID {
	return RegionNode(regionID) + NodeID("/precinct/"+precinctID)
}

// BoxNode returns the node id for a ballot box within a precinct.
func BoxNode(regionID, precinctID, boxID string) NodeID {
	return PrecinctNode(regionID, precinctID) + NodeID("/box/"+boxID)
}

// ParseNodeID validates the shape of a node id string.
func ParseNodeID(value string) (NodeID, error) {
	if value == string(Global) {
		return Global, nil
	}
	parts := strings.Split(value, "/")
	switch len(parts) {
	case 2, 4, 6:
	default:
		return "", errors.NotValidf("node id %q", value)
	}
	labels := []string{"region", "precinct", "box"}
	for i := 0; i < len(parts); i += 2 {
		if parts[i] != labels[i/2] || parts[i+1] == "" {
			return "", errors.NotValidf("node id %q", value)
		}
	}
	return NodeID(value), nil
}

// Level returns the hierarchy level the id addresses. Malformed ids report
// the deepest level their path length implies; use ParseNodeID to validate.
func (id NodeID) Level() Level {
	if id == Global {
		return LevelGlobal
	}
	switch strings.Count(string(id), "/") {
	case 1:
		return LevelRegion
	case 3:
		return LevelPrecinct
	}
	return LevelBox
}

// Name returns the human-readable display name of the node: the final path
// component, or "global" for the root.
func (id NodeID) Name() string {
	s := string(id)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Parent returns the node's ancestor one level up. The global node is its
// own parent.
func (id NodeID) Parent() NodeID {
	if id == Global {
		return Global
	}
	s := string(id)
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return Global
	}
	j := strings.LastIndex(s[:i], "/")
	if j < 0 {
		return Global
	}
	return NodeID(s[:j])
}
