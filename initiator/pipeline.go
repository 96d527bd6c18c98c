package initiator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"midici-pe-engine/ci"
)

// TransformFunc maps a GET's body to the body a following SET should
// carry.
type TransformFunc func(current []byte) ([]byte, error)

// PredicateFunc gates a pipeline step on the GET's body.
type PredicateFunc func(current []byte) bool

// jsonCodec is what the getJSON/map/setJSON step kinds record — a
// closure pair over a single captured type parameter T, since Go does
// not allow a generic method on Pipeline's non-generic receiver; the
// generic functions below (PipelineGetJSON, PipelineMap,
// PipelineSetJSON) build one of these per call and stash it in the
// step instead.
type jsonCodec struct {
	decode    func(body []byte) error          // getJSON: body -> *out
	transform func(body []byte) ([]byte, error) // map/setJSON: body -> body
}

type pipelineStep struct {
	kind      pipelineStepKind
	resource  string
	transform TransformFunc
	predicate PredicateFunc
	json      jsonCodec
}

type pipelineStepKind int

const (
	stepGet pipelineStepKind = iota
	stepWhere
	stepTransform
	stepSet
	stepGetJSON
	stepMapJSON
	stepSetJSON
)

// Pipeline builds a lazy GET→transform→SET chain (spec.md §4.3's
// {get, getJSON, transform, map, setJSON, where} step kinds). Steps are
// recorded by Get/Where/Transform/Set and the package-level
// PipelineGetJSON/PipelineMap/PipelineSetJSON, and only run when
// Execute is called.
type Pipeline struct {
	mgr     *Manager
	dst     ci.MUID
	channel *byte
	steps   []pipelineStep
}

// Pipeline starts a new builder targeting dst.
func (m *Manager) Pipeline(dst ci.MUID) *Pipeline {
	return &Pipeline{mgr: m, dst: dst}
}

// OnChannel addresses every step in the pipeline to a specific MIDI
// channel instead of the whole device.
func (p *Pipeline) OnChannel(channel byte) *Pipeline {
	p.channel = &channel
	return p
}

// Get appends a GET step reading resource.
func (p *Pipeline) Get(resource string) *Pipeline {
	p.steps = append(p.steps, pipelineStep{kind: stepGet, resource: resource})
	return p
}

// Where appends a guard: if pred returns false against the
// most-recently read body, Execute stops and returns
// ErrPipelineConditionNotMet.
func (p *Pipeline) Where(pred PredicateFunc) *Pipeline {
	p.steps = append(p.steps, pipelineStep{kind: stepWhere, predicate: pred})
	return p
}

// Transform appends a body transformation step.
func (p *Pipeline) Transform(fn TransformFunc) *Pipeline {
	p.steps = append(p.steps, pipelineStep{kind: stepTransform, transform: fn})
	return p
}

// Set appends a SET step writing the pipeline's current body to
// resource.
func (p *Pipeline) Set(resource string) *Pipeline {
	p.steps = append(p.steps, pipelineStep{kind: stepSet, resource: resource})
	return p
}

// PipelineGetJSON appends the pipeline's getJSON<T> step kind
// (spec.md §4.3): it fetches resource like Get, then checks that the
// reply body decodes into T. The decoded value is not kept: the
// pipeline's current body stays the raw JSON bytes, which a following
// PipelineMap decodes again.
func PipelineGetJSON[T any](p *Pipeline, resource string) *Pipeline {
	p.steps = append(p.steps, pipelineStep{
		kind:     stepGetJSON,
		resource: resource,
		json: jsonCodec{decode: func(body []byte) error {
			var v T
			return json.Unmarshal(body, &v)
		}},
	})
	return p
}

// PipelineMap appends the pipeline's map step kind (spec.md §4.3): it
// decodes the current body into T, applies fn, and re-encodes the
// result as the pipeline's new current body.
func PipelineMap[T any](p *Pipeline, fn func(T) (T, error)) *Pipeline {
	p.steps = append(p.steps, pipelineStep{
		kind: stepMapJSON,
		json: jsonCodec{transform: func(body []byte) ([]byte, error) {
			var v T
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			out, err := fn(v)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		}},
	})
	return p
}

// PipelineSetJSON appends the pipeline's setJSON<T> step kind
// (spec.md §4.3): it decodes the current body into T to confirm it
// still matches the expected resource shape, re-encodes it, and sends
// it as the SET body for resource.
func PipelineSetJSON[T any](p *Pipeline, resource string) *Pipeline {
	p.steps = append(p.steps, pipelineStep{
		kind:     stepSetJSON,
		resource: resource,
		json: jsonCodec{transform: func(body []byte) ([]byte, error) {
			var v T
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return json.Marshal(v)
		}},
	})
	return p
}

// Execute runs every recorded step in order against ctx, returning the
// PEResponse of the last GET or SET it performed.
func (p *Pipeline) Execute(ctx context.Context, timeout time.Duration) (*PEResponse, error) {
	var current []byte
	var resp *PEResponse

	for _, step := range p.steps {
		switch step.kind {
		case stepGet:
			var err error
			if p.channel != nil {
				resp, err = p.mgr.GetOnChannel(ctx, p.dst, *p.channel, step.resource, timeout)
			} else {
				resp, err = p.mgr.Get(ctx, p.dst, step.resource, timeout)
			}
			if err != nil {
				return resp, err
			}
			current = resp.Body
		case stepGetJSON:
			var err error
			if p.channel != nil {
				resp, err = p.mgr.GetOnChannel(ctx, p.dst, *p.channel, step.resource, timeout)
			} else {
				resp, err = p.mgr.Get(ctx, p.dst, step.resource, timeout)
			}
			if err != nil {
				return resp, err
			}
			current = resp.Body
			if err := step.json.decode(current); err != nil {
				return resp, fmt.Errorf("%w: %v", ci.ErrMalformedReply, err)
			}
		case stepWhere:
			if !step.predicate(current) {
				return resp, ci.ErrPipelineConditionNotMet
			}
		case stepTransform:
			next, err := step.transform(current)
			if err != nil {
				return resp, &ci.PipelineTransformError{Underlying: err}
			}
			current = next
		case stepMapJSON:
			next, err := step.json.transform(current)
			if err != nil {
				return resp, &ci.PipelineTransformError{Underlying: err}
			}
			current = next
		case stepSet:
			var err error
			if p.channel != nil {
				resp, err = p.mgr.SetOnChannel(ctx, p.dst, *p.channel, step.resource, current, timeout)
			} else {
				resp, err = p.mgr.Set(ctx, p.dst, step.resource, current, timeout)
			}
			if err != nil {
				return resp, err
			}
		case stepSetJSON:
			next, err := step.json.transform(current)
			if err != nil {
				return resp, &ci.PipelineTransformError{Underlying: err}
			}
			current = next
			var sendErr error
			if p.channel != nil {
				resp, sendErr = p.mgr.SetOnChannel(ctx, p.dst, *p.channel, step.resource, current, timeout)
			} else {
				resp, sendErr = p.mgr.Set(ctx, p.dst, step.resource, current, timeout)
			}
			if sendErr != nil {
				return resp, sendErr
			}
		}
	}
	return resp, nil
}
