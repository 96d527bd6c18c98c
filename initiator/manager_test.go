package initiator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"midici-pe-engine/ci"
	"midici-pe-engine/codec"
	"midici-pe-engine/transport"
)

// fakeResponder answers GET/SET/Subscribe Inquiry frames from a fixed
// resource table; it exists only to give the initiator tests something
// to talk to without depending on the (separately tested) responder
// package.
type fakeResponder struct {
	tp   transport.Transport
	self ci.MUID
	peer ci.MUID

	mu        sync.Mutex
	resources map[string][]byte
	delay     time.Duration
	drop      bool
}

func newFakeResponder(tp transport.Transport, self, peer ci.MUID) *fakeResponder {
	return &fakeResponder{tp: tp, self: self, peer: peer, resources: map[string][]byte{}}
}

func (f *fakeResponder) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-f.tp.Receive():
			f.handle(ctx, r.Bytes)
		}
	}
}

func (f *fakeResponder) handle(ctx context.Context, b []byte) {
	pm, ok := codec.Parse(b)
	if !ok {
		return
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	drop := f.drop
	f.mu.Unlock()
	if drop {
		return
	}

	switch pm.Type {
	case ci.MsgPEGetInquiry:
		req, err := codec.ParseFullPEGetInquiry(b, nil)
		if err != nil || !req.Complete {
			return
		}
		f.mu.Lock()
		data, found := f.resources[req.Resource]
		f.mu.Unlock()
		var frame []byte
		if !found {
			frame = codec.PEGetReply(f.self, pm.Source, req.RequestID, codec.ErrorResponseHeader(404, "not found"), nil)
		} else {
			frame = codec.PEGetReply(f.self, pm.Source, req.RequestID, codec.SuccessResponseHeader(), data)
		}
		_ = f.tp.Send(ctx, frame, transport.DestinationID(pm.Source.String()))
	case ci.MsgPESetInquiry:
		req, err := codec.ParseFullPESetInquiry(b, nil)
		if err != nil || !req.Complete {
			return
		}
		f.mu.Lock()
		f.resources[req.Resource] = append([]byte(nil), req.PropertyData...)
		f.mu.Unlock()
		frame := codec.PESetReply(f.self, pm.Source, req.RequestID, codec.SuccessResponseHeader())
		_ = f.tp.Send(ctx, frame, transport.DestinationID(pm.Source.String()))
	case ci.MsgPESubscribeInq:
		req, err := codec.ParseFullPESubscribeInquiry(b, nil)
		if err != nil || !req.Complete {
			return
		}
		frame := codec.PESubscribeReply(f.self, pm.Source, req.RequestID, codec.SubscribeResponseHeader(200, "sub-1"))
		_ = f.tp.Send(ctx, frame, transport.DestinationID(pm.Source.String()))
	}
}

func (f *fakeResponder) setResource(name string, data []byte) {
	f.mu.Lock()
	f.resources[name] = data
	f.mu.Unlock()
}

func newPair(t *testing.T) (*Manager, *fakeResponder, func()) {
	t.Helper()
	initTp, respTp := transport.CreatePair("initiator", "responder")

	const selfMUID ci.MUID = 0x1000001
	const peerMUID ci.MUID = 0x2000002

	mgr := New(selfMUID, initTp, Options{RequestTimeout: time.Second})
	mgr.RegisterDevice(peerMUID, transport.DestinationID("responder"))
	mgr.Start()

	resp := newFakeResponder(respTp, peerMUID, selfMUID)
	ctx, cancel := context.WithCancel(context.Background())
	go resp.serve(ctx)

	cleanup := func() {
		cancel()
		mgr.Stop()
	}
	return mgr, resp, cleanup
}

func TestGetRoundTrip(t *testing.T) {
	mgr, resp, cleanup := newPair(t)
	defer cleanup()
	resp.setResource("DeviceInfo", []byte(`{"model":"Test"}`))

	r, err := mgr.Get(context.Background(), 0x2000002, "DeviceInfo", time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, r.Status)
	require.JSONEq(t, `{"model":"Test"}`, string(r.Body))
}

func TestGetNotFound(t *testing.T) {
	mgr, _, cleanup := newPair(t)
	defer cleanup()

	r, err := mgr.Get(context.Background(), 0x2000002, "Missing", time.Second)
	require.Error(t, err)
	var statusErr *ci.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 404, statusErr.Status)
	require.Equal(t, 404, r.Status)
}

type volumeLevel struct {
	Level int `json:"level"`
}

func TestSetThenGetRoundTrip(t *testing.T) {
	mgr, _, cleanup := newPair(t)
	defer cleanup()

	_, err := SetJSON(context.Background(), mgr, 0x2000002, "Volume", volumeLevel{Level: 42}, time.Second)
	require.NoError(t, err)

	got, _, err := GetJSON[volumeLevel](context.Background(), mgr, 0x2000002, "Volume", time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, got.Level)
}

func TestRequestTimeout(t *testing.T) {
	mgr, resp, cleanup := newPair(t)
	defer cleanup()
	resp.mu.Lock()
	resp.drop = true
	resp.mu.Unlock()

	_, err := mgr.Get(context.Background(), 0x2000002, "DeviceInfo", 30*time.Millisecond)
	require.ErrorIs(t, err, ci.ErrTimeout)

	dev := mgr.deviceFor(0x2000002)
	require.Equal(t, 0, dev.inFlight())
}

func TestUnknownDeviceResolveError(t *testing.T) {
	mgr, _, cleanup := newPair(t)
	defer cleanup()

	_, err := mgr.Get(context.Background(), 0x9999999, "DeviceInfo", time.Second)
	var dnf *ci.DeviceNotFoundError
	require.ErrorAs(t, err, &dnf)
}

func TestBatchGetPartialFailure(t *testing.T) {
	mgr, resp, cleanup := newPair(t)
	defer cleanup()
	resp.setResource("A", []byte(`"a"`))
	resp.setResource("B", []byte(`"b"`))

	results := mgr.BatchGet(context.Background(), 0x2000002, []string{"A", "B", "C"}, BatchOptions{Timeout: time.Second})
	require.Len(t, results, 3)
	require.Equal(t, 2, SuccessCount(results))
	require.Equal(t, 1, FailureCount(results))
	require.NoError(t, results["A"].Err)
	require.Error(t, results["C"].Err)
}

func TestBatchGetContinueOnFailureFalseStopsLaunching(t *testing.T) {
	mgr, resp, cleanup := newPair(t)
	defer cleanup()
	resp.setResource("A", []byte(`"a"`))
	resp.setResource("B", []byte(`"b"`))

	stop := false
	results := mgr.BatchGet(context.Background(), 0x2000002, []string{"C", "A", "B"}, BatchOptions{
		MaxConcurrency:    1,
		ContinueOnFailure: &stop,
		Timeout:           time.Second,
	})

	// MaxConcurrency 1 serializes launches: C's goroutine must fully
	// finish (including marking the batch failed) before the semaphore
	// admits A's, so A is still launched but immediately observes the
	// failure and stops itself instead of calling Get. B is never even
	// admitted past the outer loop's shouldStop check.
	require.Len(t, results, 2)
	require.Error(t, results["C"].Err)
	require.ErrorIs(t, results["A"].Err, ci.ErrBatchStopped)
	require.NotContains(t, results, "B")
}

func TestPipelineGetTransformSet(t *testing.T) {
	mgr, resp, cleanup := newPair(t)
	defer cleanup()
	resp.setResource("Counter", []byte(`{"n":1}`))

	type counter struct {
		N int `json:"n"`
	}
	bump := func(b []byte) ([]byte, error) {
		var c counter
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, err
		}
		c.N++
		return json.Marshal(c)
	}

	r, err := mgr.Pipeline(0x2000002).
		Get("Counter").
		Transform(bump).
		Set("Counter").
		Execute(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, r.Status)

	final, err := mgr.Get(context.Background(), 0x2000002, "Counter", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(final.Body))
}

func TestPipelineGetJSONMapSetJSON(t *testing.T) {
	mgr, resp, cleanup := newPair(t)
	defer cleanup()
	resp.setResource("Counter", []byte(`{"n":1}`))

	type counter struct {
		N int `json:"n"`
	}
	bump := func(c counter) (counter, error) {
		c.N++
		return c, nil
	}

	pipe := mgr.Pipeline(0x2000002)
	PipelineGetJSON[counter](pipe, "Counter")
	PipelineMap(pipe, bump)
	PipelineSetJSON[counter](pipe, "Counter")
	r, err := pipe.Execute(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, r.Status)

	final, _, err := GetJSON[counter](context.Background(), mgr, 0x2000002, "Counter", time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, final.N)
}

func TestConditionalSetSkip(t *testing.T) {
	mgr, resp, cleanup := newPair(t)
	defer cleanup()
	resp.setResource("Volume", []byte(`{"level":80}`))

	type vol struct {
		Level int `json:"level"`
	}
	below50 := func(b []byte) bool {
		var v vol
		_ = json.Unmarshal(b, &v)
		return v.Level < 50
	}
	to100 := func([]byte) ([]byte, error) {
		return json.Marshal(vol{Level: 100})
	}

	result := mgr.ConditionalSet(0x2000002, "Volume").SetIf(context.Background(), time.Second, below50, to100)
	require.True(t, result.Skipped)
	require.JSONEq(t, `{"level":80}`, string(result.Old))

	r, err := mgr.Get(context.Background(), 0x2000002, "Volume", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"level":80}`, string(r.Body))
}

func TestConditionalSetUpdates(t *testing.T) {
	mgr, resp, cleanup := newPair(t)
	defer cleanup()
	resp.setResource("Volume", []byte(`{"level":10}`))

	type vol struct {
		Level int `json:"level"`
	}
	below50 := func(b []byte) bool {
		var v vol
		_ = json.Unmarshal(b, &v)
		return v.Level < 50
	}
	to100 := func([]byte) ([]byte, error) {
		return json.Marshal(vol{Level: 100})
	}

	result := mgr.ConditionalSet(0x2000002, "Volume").SetIf(context.Background(), time.Second, below50, to100)
	require.True(t, result.Updated)
	require.JSONEq(t, `{"level":100}`, string(result.New))
}

func TestSubscribeReturnsSubscribeID(t *testing.T) {
	mgr, _, cleanup := newPair(t)
	defer cleanup()

	id, r, err := mgr.Subscribe(context.Background(), 0x2000002, "Volume", time.Second)
	require.NoError(t, err)
	require.Equal(t, "sub-1", id)
	require.Equal(t, 200, r.Status)
}
