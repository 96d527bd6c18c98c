package initiator

import (
	"context"
	"time"

	"midici-pe-engine/ci"
)

// ConditionalSet builds a GET → test → SET read-modify-write (spec.md
// §4.3). Atomicity is best-effort: there is no compare-and-swap on the
// wire, so the predicate runs once against a freshly-read value and a
// concurrent writer could still race it.
type ConditionalSet struct {
	mgr      *Manager
	dst      ci.MUID
	resource string
	channel  *byte
}

// ConditionalSet starts a conditional-set builder for resource on dst.
func (m *Manager) ConditionalSet(dst ci.MUID, resource string) *ConditionalSet {
	return &ConditionalSet{mgr: m, dst: dst, resource: resource}
}

// OnChannel addresses the GET and SET to a specific MIDI channel.
func (c *ConditionalSet) OnChannel(channel byte) *ConditionalSet {
	c.channel = &channel
	return c
}

// ConditionalResult is the outcome of SetIf: exactly one of Updated,
// Skipped, or Failed is true.
type ConditionalResult struct {
	Updated  bool
	Skipped  bool
	Failed   bool
	Old      []byte
	New      []byte
	Response *PEResponse
	Err      error
}

// SetIf performs GET, tests predicate against the current value, and —
// if true — encodes transform(current) and SETs it. timeout applies to
// each of the GET and the SET independently.
func (c *ConditionalSet) SetIf(ctx context.Context, timeout time.Duration, predicate PredicateFunc, transform TransformFunc) ConditionalResult {
	var current *PEResponse
	var err error
	if c.channel != nil {
		current, err = c.mgr.GetOnChannel(ctx, c.dst, *c.channel, c.resource, timeout)
	} else {
		current, err = c.mgr.Get(ctx, c.dst, c.resource, timeout)
	}
	if err != nil {
		return ConditionalResult{Failed: true, Err: err}
	}

	if !predicate(current.Body) {
		return ConditionalResult{Skipped: true, Old: current.Body}
	}

	next, err := transform(current.Body)
	if err != nil {
		return ConditionalResult{Failed: true, Old: current.Body, Err: &ci.PipelineTransformError{Underlying: err}}
	}

	var resp *PEResponse
	if c.channel != nil {
		resp, err = c.mgr.SetOnChannel(ctx, c.dst, *c.channel, c.resource, next, timeout)
	} else {
		resp, err = c.mgr.Set(ctx, c.dst, c.resource, next, timeout)
	}
	if err != nil {
		return ConditionalResult{Failed: true, Old: current.Body, New: next, Err: err}
	}
	return ConditionalResult{Updated: true, Old: current.Body, New: next, Response: resp}
}
