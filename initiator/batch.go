package initiator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"midici-pe-engine/ci"
)

// BatchOptions configures batchGet/batchSet per spec.md §4.3.
type BatchOptions struct {
	// MaxConcurrency bounds how many underlying operations run at once.
	// Defaults to DefaultBatchConcurrency.
	MaxConcurrency int
	// ContinueOnFailure, when nil or true (the default per spec.md
	// §4.3), lets a failed item not stop the rest of the batch from
	// running — both BatchGet and BatchSet keep launching not-yet-started
	// items after one fails. A pointer to false stops launching further
	// items once any item fails, leaving already-started work to
	// complete; a plain bool can't tell "unset" from "explicitly false"
	// while still defaulting to true, so this follows the same
	// zero-value-means-default convention MaxConcurrency/Timeout already
	// use in this struct.
	ContinueOnFailure *bool
	// StopOnFirstFailure, for batchSet only, is a stronger synonym for
	// setting ContinueOnFailure to false: it stops batchSet specifically
	// regardless of ContinueOnFailure. Ignored by batchGet.
	StopOnFirstFailure bool
	// Channel, when non-nil, addresses every item in the batch to this
	// MIDI channel instead of the whole device; result keys become
	// "<resource>[<channel>]" per spec.md §4.3.
	Channel *byte
	// Timeout applies per item; zero uses the Manager's default.
	Timeout time.Duration
	// ValidatePayloads, for BatchSet, runs each item's body through the
	// Manager's validator registry before any wire send. A validator
	// failure is recorded as a payloadValidationFailed error for that
	// item and never reaches the transport.
	ValidatePayloads bool
}

// ValidatorFunc checks a resource body before it is sent on the wire.
type ValidatorFunc func(body []byte) error

// RegisterValidator installs a payload validator for resource, used by
// BatchSet when BatchOptions.ValidatePayloads is set (spec.md §4.3).
func (m *Manager) RegisterValidator(resource string, fn ValidatorFunc) {
	m.validatorsMu.Lock()
	defer m.validatorsMu.Unlock()
	if m.validators == nil {
		m.validators = make(map[string]ValidatorFunc)
	}
	m.validators[resource] = fn
}

func (m *Manager) validate(resource string, body []byte) error {
	m.validatorsMu.RLock()
	fn, ok := m.validators[resource]
	m.validatorsMu.RUnlock()
	if !ok || fn == nil {
		return nil
	}
	if err := fn(body); err != nil {
		return &ci.PayloadValidationError{Detail: err.Error()}
	}
	return nil
}

// BatchResult is one item's outcome within a batch.
type BatchResult struct {
	Response *PEResponse
	Err      error
}

func continueOnFailure(opts BatchOptions) bool {
	return opts.ContinueOnFailure == nil || *opts.ContinueOnFailure
}

func resultKey(resource string, channel *byte) string {
	if channel == nil {
		return resource
	}
	return fmt.Sprintf("%s[%d]", resource, *channel)
}

// BatchGet runs batchGet(names, device, options): one GET per name,
// bounded by opts.MaxConcurrency, collecting a result per name. When
// opts.ContinueOnFailure is a pointer to false, a failed GET stops
// launching any name not yet started; items already in flight still
// complete.
func (m *Manager) BatchGet(ctx context.Context, dst ci.MUID, names []string, opts BatchOptions) map[string]BatchResult {
	width := opts.MaxConcurrency
	if width <= 0 {
		width = DefaultBatchConcurrency
	}

	results := make(map[string]BatchResult, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, width)

	var failed bool
	var failedMu sync.Mutex
	shouldStop := func() bool {
		if continueOnFailure(opts) {
			return false
		}
		failedMu.Lock()
		defer failedMu.Unlock()
		return failed
	}
	markFailed := func() {
		failedMu.Lock()
		failed = true
		failedMu.Unlock()
	}

	for _, name := range names {
		if shouldStop() {
			break
		}
		name := name
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if shouldStop() {
				mu.Lock()
				results[resultKey(name, opts.Channel)] = BatchResult{Err: ci.ErrBatchStopped}
				mu.Unlock()
				return
			}

			var resp *PEResponse
			var err error
			if opts.Channel != nil {
				resp, err = m.GetOnChannel(ctx, dst, *opts.Channel, name, opts.Timeout)
			} else {
				resp, err = m.Get(ctx, dst, name, opts.Timeout)
			}
			if err != nil {
				markFailed()
			}
			mu.Lock()
			results[resultKey(name, opts.Channel)] = BatchResult{Response: resp, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// BatchSet runs batchSet(items, device, options): one SET per
// resource→body pair. When opts.StopOnFirstFailure is set, or
// opts.ContinueOnFailure is a pointer to false, outstanding items whose
// goroutine has not yet started are skipped once the first failure is
// observed; work already in flight still completes.
func (m *Manager) BatchSet(ctx context.Context, dst ci.MUID, items map[string][]byte, opts BatchOptions) map[string]BatchResult {
	width := opts.MaxConcurrency
	if width <= 0 {
		width = DefaultBatchConcurrency
	}

	results := make(map[string]BatchResult, len(items))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, width)

	stopOnFailure := opts.StopOnFirstFailure || !continueOnFailure(opts)
	var failed bool
	var failedMu sync.Mutex
	shouldStop := func() bool {
		if !stopOnFailure {
			return false
		}
		failedMu.Lock()
		defer failedMu.Unlock()
		return failed
	}
	markFailed := func() {
		failedMu.Lock()
		failed = true
		failedMu.Unlock()
	}

	for resource, body := range items {
		if shouldStop() {
			break
		}
		resource, body := resource, body
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if shouldStop() {
				mu.Lock()
				results[resultKey(resource, opts.Channel)] = BatchResult{Err: ci.ErrBatchStopped}
				mu.Unlock()
				return
			}

			if opts.ValidatePayloads {
				if err := m.validate(resource, body); err != nil {
					markFailed()
					mu.Lock()
					results[resultKey(resource, opts.Channel)] = BatchResult{Err: err}
					mu.Unlock()
					return
				}
			}

			var resp *PEResponse
			var err error
			if opts.Channel != nil {
				resp, err = m.SetOnChannel(ctx, dst, *opts.Channel, resource, body, opts.Timeout)
			} else {
				resp, err = m.Set(ctx, dst, resource, body, opts.Timeout)
			}
			if err != nil {
				markFailed()
			}
			mu.Lock()
			results[resultKey(resource, opts.Channel)] = BatchResult{Response: resp, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// SuccessCount returns how many results in a batch succeeded.
func SuccessCount(results map[string]BatchResult) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// FailureCount returns how many results in a batch failed.
func FailureCount(results map[string]BatchResult) int {
	return len(results) - SuccessCount(results)
}
