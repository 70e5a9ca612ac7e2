// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package location_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/albanx/vote-counter/core/location"
)

type nodeSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&nodeSuite{})

func (s *nodeSuite) TestConstructors(c *gc.C) {
	c.Check(location.RegionNode("R1"), gc.Equals, location.NodeID("region/R1"))
	c.Check(location.PrecinctNode("R1", "P3"), gc.Equals, location.NodeID("region/R1/precinct/P3"))
	c.Check(location.BoxNode("R1", "P3", "B7"), gc.Equals, location.NodeID("region/R1/precinct/P3/box/B7"))
}

func (s *nodeSuite) TestLevel(c *gc.C) {
	c.Check(location.Global.Level(), gc.Equals, location.LevelGlobal)
	c.Check(location.RegionNode("R1").Level(), gc.Equals, location.LevelRegion)
	c.Check(location.PrecinctNode("R1", "P3").Level(), gc.Equals, location.LevelPrecinct)
	c.Check(location.BoxNode("R1", "P3", "B7").Level(), gc.Equals, location.LevelBox)
}

func (s *nodeSuite) TestName(c *gc.C) {
	c.Check(location.Global.Name(), gc.Equals, "global")
	c.Check(location.RegionNode("R1").Name(), gc.Equals, "R1")
	c.Check(location.BoxNode("R1", "P3", "B7").Name(), gc.Equals, "B7")
}

func (s *nodeSuite) TestParent(c *gc.C) {
	c.Check(location.BoxNode("R1", "P3", "B7").Parent(), gc.Equals, location.PrecinctNode("R1", "P3"))
	c.Check(location.PrecinctNode("R1", "P3").Parent(), gc.Equals, location.RegionNode("R1"))
	c.Check(location.RegionNode("R1").Parent(), gc.Equals, location.Global)
	c.Check(location.Global.Parent(), gc.Equals, location.Global)
}

func (s *nodeSuite) TestParseNodeID(c *gc.C) {
	for _, value := range []string{
		"global",
		"region/R1",
		"region/R1/precinct/P3",
		"region/R1/precinct/P3/box/B7",
	} {
		id, err := location.ParseNodeID(value)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(string(id), gc.Equals, value)
	}
}

func (s *nodeSuite) TestParseNodeIDRejectsMalformed(c *gc.C) {
	for _, value := range []string{
		"",
		"region",
		"region/",
		"precinct/P3",
		"region/R1/box/B7",
		"region/R1/precinct/P3/box/B7/extra",
	} {
		_, err := location.ParseNodeID(value)
		c.Check(err, jc.ErrorIs, errors.NotValid, gc.Commentf("value %q", value))
	}
}
