// Copyright 2026 the vote-counter authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ballot holds the domain vocabulary shared by the stores, the
// recorder and the API surface: the outcome kinds a ballot can be counted
// under, the direction of a counting action, and the non-negative count
// triple kept per hierarchy node.
package ballot

import (
	"github.com/juju/errors"
)

// Kind is the outcome category a single ballot is counted under.
type Kind string

const (
	KindValid     Kind = "valid"
	KindInvalid   Kind = "invalid"
	KindContested Kind = "contested"
)

// Kinds lists every valid kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindValid, KindInvalid, KindContested}
}

// Validate returns an error if the kind is not a known value.
func (k Kind) Validate() error {
	switch k {
	case KindValid, KindInvalid, KindContested:
		return nil
	}
	return errors.NotValidf("vote kind %q", k)
}

// ParseKind converts a wire string into a Kind.
func ParseKind(value string) (Kind, error) {
	k := Kind(value)
	if err := k.Validate(); err != nil {
		return "", errors.Trace(err)
	}
	return k, nil
}

// Direction says whether an action adds a ballot to the running counts or
// compensates a previously counted one.
type Direction string

const (
	DirectionIncrement Direction = "increment"
	DirectionDecrement Direction = "decrement"
)

// Validate returns an error if the direction is not a known value.
func (d Direction) Validate() error {
	switch d {
	case DirectionIncrement, DirectionDecrement:
		return nil
	}
	return errors.NotValidf("vote direction %q", d)
}

// ParseDirection converts a wire string into a Direction.
func ParseDirection(value string) (Direction, error) {
	d := Direction(value)
	if err := d.Validate(); err != nil {
		return "", errors.Trace(err)
	}
	return d, nil
}

// Sign returns the signed unit delta for the direction.
func (d Direction) Sign() int64 {
	if d == DirectionDecrement {
		return -1
	}
	return 1
}

// Counts is the running tally triple kept on every hierarchy node. All
// fields are always non-negative; decrements that would drive a field
// below zero are suppressed at the store.
type Counts struct {
	Valid     int64 `json:"valid"`
	Invalid   int64 `json:"invalid"`
	Contested int64 `json:"contested"`
}

// Of returns the count for the given kind.
func (c Counts) Of(k Kind) int64 {
	switch k {
	case KindValid:
		return c.Valid
	case KindInvalid:
		return c.Invalid
	case KindContested:
		return c.Contested
	}
	return 0
}

// Set assigns the count for the given kind.
func (c *Counts) Set(k Kind, value int64) {
	switch k {
	case KindValid:
		c.Valid = value
	case KindInvalid:
		c.Invalid = value
	case KindContested:
		c.Contested = value
	}
}

// IsZero reports whether all counts are zero.
func (c Counts) IsZero() bool {
	return c.Valid == 0 && c.Invalid == 0 && c.Contested == 0
}

// ClientMetadata is the opaque diagnostic blob a mobile client attaches to
// each vote event. It is stored verbatim on the event and never interpreted
// by the counting engine.
type ClientMetadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user-agent,omitempty"`
	Browser   string `json:"browser,omitempty"`
	OS        string `json:"os,omitempty"`
}
