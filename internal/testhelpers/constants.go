// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testhelpers holds shared timing constants for concurrent tests.
package testhelpers

import (
	"time"
)

// ShortWait is how long a test blocks to show that something does NOT
// happen; the suite really does wait this long before moving on.
const ShortWait = 50 * time.Millisecond

// LongWait bounds waits for things that should already have happened.
// Generous so slow machines do not produce spurious failures; a healthy
// run never sleeps anywhere near this long.
const LongWait = 10 * time.Second
