package initiator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"midici-pe-engine/ci"
)

// GetJSON is the getJSON<T> typed variant of Get (spec.md §4.3): it
// performs a whole-device PE GET and decodes the reply body as T,
// sparing callers the raw-byte encode/decode dance Get otherwise
// leaves to them.
func GetJSON[T any](ctx context.Context, m *Manager, dst ci.MUID, resource string, timeout time.Duration) (T, *PEResponse, error) {
	var out T
	resp, err := m.Get(ctx, dst, resource, timeout)
	if err != nil {
		return out, resp, err
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, resp, fmt.Errorf("%w: %v", ci.ErrMalformedReply, err)
	}
	return out, resp, nil
}

// GetJSONOnChannel is GetJSON addressed to a specific MIDI channel
// rather than the whole device.
func GetJSONOnChannel[T any](ctx context.Context, m *Manager, dst ci.MUID, channel byte, resource string, timeout time.Duration) (T, *PEResponse, error) {
	var out T
	resp, err := m.GetOnChannel(ctx, dst, channel, resource, timeout)
	if err != nil {
		return out, resp, err
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, resp, fmt.Errorf("%w: %v", ci.ErrMalformedReply, err)
	}
	return out, resp, nil
}

// SetJSON is the setJSON<T> typed variant of Set (spec.md §4.3): it
// encodes value as JSON and performs a whole-device PE SET.
func SetJSON[T any](ctx context.Context, m *Manager, dst ci.MUID, resource string, value T, timeout time.Duration) (*PEResponse, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return m.Set(ctx, dst, resource, body, timeout)
}

// SetJSONOnChannel is SetJSON addressed to a specific MIDI channel
// rather than the whole device.
func SetJSONOnChannel[T any](ctx context.Context, m *Manager, dst ci.MUID, channel byte, resource string, value T, timeout time.Duration) (*PEResponse, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return m.SetOnChannel(ctx, dst, channel, resource, body, timeout)
}
