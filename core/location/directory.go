// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package location models the static geographic hierarchy the tallies are
// aggregated over: regions contain precincts, precincts contain ballot
// boxes, and every chain of ancestors ends in the single global node. The
// directory is loaded once at startup and is read-only thereafter.
package location

import (
	"os"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Granularity selects the depth of the chain a vote event updates. Deployments
// that track individual ballot boxes use BoxGranularity (four-node chains);
// deployments that only report at precinct level use PrecinctGranularity
// (three-node chains). This is an explicit configuration choice, never
// inferred from the shape of incoming events.
type Granularity string

const (
	BoxGranularity      Granularity = "box"
	PrecinctGranularity Granularity = "precinct"
)

// Validate returns an error if the granularity is not a known value.
func (g Granularity) Validate() error {
	switch g {
	case BoxGranularity, PrecinctGranularity:
		return nil
	}
	return errors.NotValidf("granularity %q", g)
}

// directoryFile is the on-disk YAML layout of the directory table.
type directoryFile struct {
	Regions map[string]regionEntry `yaml:"regions"`
}

type regionEntry struct {
	Precincts map[string]precinctEntry `yaml:"precincts"`
}

type precinctEntry struct {
	Boxes []string `yaml:"boxes"`
}

// Directory is the static region -> precinct -> box lookup table. It has no
// mutation API; concurrent reads are safe.
type Directory struct {
	regions map[string]map[string]set.Strings
}

// NewDirectory builds a directory from a region -> precinct -> boxes table.
// A precinct with no listed boxes accepts any box id reported for it.
func NewDirectory(table map[string]map[string][]string) (*Directory, error) {
	if len(table) == 0 {
		return nil, errors.NotValidf("empty location table")
	}
	regions := make(map[string]map[string]set.Strings)
	for regionID, precincts := range table {
		if regionID == "" {
			return nil, errors.NotValidf("region with empty id")
		}
		if len(precincts) == 0 {
			return nil, errors.NotValidf("region %q with no precincts", regionID)
		}
		entry := make(map[string]set.Strings)
		for precinctID, boxes := range precincts {
			if precinctID == "" {
				return nil, errors.NotValidf("precinct with empty id in region %q", regionID)
			}
			entry[precinctID] = set.NewStrings(boxes...)
		}
		regions[regionID] = entry
	}
	return &Directory{regions: regions}, nil
}

// LoadDirectory reads the directory table from a YAML file.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading location directory %q", path)
	}
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Annotatef(err, "parsing location directory %q", path)
	}
	table := make(map[string]map[string][]string)
	for regionID, region := range file.Regions {
		precincts := make(map[string][]string)
		for precinctID, precinct := range region.Precincts {
			precincts[precinctID] = precinct.Boxes
		}
		table[regionID] = precincts
	}
	dir, err := NewDirectory(table)
	return dir, errors.Trace(err)
}

// Regions returns the known region ids, sorted.
func (d *Directory) Regions() []string {
	ids := make([]string, 0, len(d.regions))
	for id := range d.regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Precincts returns the precinct ids of a region, sorted.
func (d *Directory) Precincts(regionID string) ([]string, error) {
	precincts, ok := d.regions[regionID]
	if !ok {
		return nil, errors.NotFoundf("region %q", regionID)
	}
	ids := make([]string, 0, len(precincts))
	for id := range precincts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Boxes returns the ballot box ids listed for a precinct, sorted. An empty
// result means the precinct accepts free-form box ids.
func (d *Directory) Boxes(regionID, precinctID string) ([]string, error) {
	precincts, ok := d.regions[regionID]
	if !ok {
		return nil, errors.NotFoundf("region %q", regionID)
	}
	boxes, ok := precincts[precinctID]
	if !ok {
		return nil, errors.NotFoundf("precinct %q in region %q", precinctID, regionID)
	}
	return boxes.SortedValues(), nil
}

// ResolveChain returns the ordered chain of nodes, innermost first and
// always ending in the global node, that a vote at the given location must
// update. An empty boxID yields the three-node precinct chain. The region
// and precinct must exist in the table; a box id is checked only when the
// precinct enumerates its boxes.
func (d *Directory) ResolveChain(regionID, precinctID, boxID string) ([]NodeID, error) {
	if regionID == "" || precinctID == "" {
		return nil, errors.NotValidf("location %q/%q", regionID, precinctID)
	}
	precincts, ok := d.regions[regionID]
	if !ok {
		return nil, errors.NotFoundf("region %q", regionID)
	}
	boxes, ok := precincts[precinctID]
	if !ok {
		return nil, errors.NotFoundf("precinct %q in region %q", precinctID, regionID)
	}
	chain := make([]NodeID, 0, 4)
	if boxID != "" {
		if !boxes.IsEmpty() && !boxes.Contains(boxID) {
			return nil, errors.NotFoundf("box %q in precinct %q", boxID, precinctID)
		}
		chain = append(chain, BoxNode(regionID, precinctID, boxID))
	}
	chain = append(chain,
		PrecinctNode(regionID, precinctID),
		RegionNode(regionID),
		Global,
	)
	return chain, nil
}

// ChildNodes returns the immediate child node ids of the given node,
// sorted, for sibling-set dashboard subscriptions. Box nodes have no
// children; precincts with free-form boxes return an empty set.
func (d *Directory) ChildNodes(id NodeID) ([]NodeID, error) {
	switch id.Level() {
	case LevelGlobal:
		regions := d.Regions()
		nodes := make([]NodeID, len(regions))
		for i, regionID := range regions {
			nodes[i] = RegionNode(regionID)
		}
		return nodes, nil
	case LevelRegion:
		regionID := id.Name()
		precincts, err := d.Precincts(regionID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		nodes := make([]NodeID, len(precincts))
		for i, precinctID := range precincts {
			nodes[i] = PrecinctNode(regionID, precinctID)
		}
		return nodes, nil
	case LevelPrecinct:
		parts := splitNodeID(id)
		boxes, err := d.Boxes(parts[0], parts[1])
		if err != nil {
			return nil, errors.Trace(err)
		}
		nodes := make([]NodeID, len(boxes))
		for i, boxID := range boxes {
			nodes[i] = BoxNode(parts[0], parts[1], boxID)
		}
		return nodes, nil
	}
	return nil, nil
}

// splitNodeID returns the id components of a non-global node, outermost
// first (region, then precinct, then box, as present).
func splitNodeID(id NodeID) []string {
	parts := strings.Split(string(id), "/")
	ids := make([]string, 0, len(parts)/2)
	for i := 1; i < len(parts); i += 2 {
		ids = append(ids, parts[i])
	}
	return ids
}
