// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"sync/atomic"
	"time"

	"grimm.is/ssdphelper/internal/errors"
)

var (
	// ErrExhausted is returned by ExpectationTable.Alloc when no expectation
	// slot can be reserved.
	ErrExhausted = errors.New(errors.KindExhausted, "expectation slots exhausted")

	// ErrExists is returned by Related when a conflicting expectation owned
	// by another master is already live.
	ErrExists = errors.New(errors.KindConflict, "conflicting expectation exists")
)

// Policy bounds the expectations a helper may create per master flow.
type Policy struct {
	Name        string
	MaxExpected int
	Timeout     time.Duration
}

// Expectation authorizes a future flow related to Master.
type Expectation struct {
	Master  *Flow
	Tuple   Tuple
	Mask    Mask
	Class   string
	Timeout time.Duration

	refs atomic.Int32
}

// NewExpectation returns an expectation for master holding one reference.
// Engines call it from Alloc.
func NewExpectation(master *Flow) *Expectation {
	exp := &Expectation{Master: master}
	exp.refs.Store(1)
	return exp
}

// Hold takes an additional reference.
func (e *Expectation) Hold() {
	e.refs.Add(1)
}

// Release drops a reference and reports whether it was the last one.
func (e *Expectation) Release() bool {
	return e.refs.Add(-1) == 0
}

// Refs returns the current reference count.
func (e *Expectation) Refs() int32 {
	return e.refs.Load()
}

// Admits reports whether t is the flow this expectation anticipates.
func (e *Expectation) Admits(t Tuple) bool {
	return e.Mask.Match(e.Tuple, t)
}

// ExpectationTable is the engine's expectation store.
//
// Alloc reserves a slot for an expectation of master and returns it with
// one caller-owned reference. Related submits it; the engine takes its own
// reference and enforces the master's policy. Put releases the caller's
// reference and must be called exactly once per successful Alloc.
type ExpectationTable interface {
	Alloc(master *Flow) (*Expectation, error)
	Related(exp *Expectation) error
	Put(exp *Expectation)
}
