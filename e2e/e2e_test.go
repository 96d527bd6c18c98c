// Package e2e exercises the end-to-end scenarios spec.md §8 names
// against a loopback transport pair, wiring the initiator, responder,
// and discovery packages together the way a real node combining both
// CI roles would (spec.md §1: "A node may act simultaneously as an
// Initiator and a Responder").
package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"midici-pe-engine/ci"
	"midici-pe-engine/discovery"
	"midici-pe-engine/initiator"
	"midici-pe-engine/resource"
	"midici-pe-engine/responder"
	"midici-pe-engine/transport"
)

func korgIdentity() ci.DeviceIdentity {
	return ci.DeviceIdentity{
		Manufacturer: ci.StandardManufacturerID(0x42),
		FamilyID:     0x6B,
		ModelID:      0x01,
		VersionID:    0x01020304,
	}
}

// Scenario 1: Discovery.
func TestScenarioDiscovery(t *testing.T) {
	initTp, respTp := transport.CreatePair("initiator", "responder")

	const initiatorMUID ci.MUID = 0x0ABCDEF
	const responderMUID ci.MUID = 0x0123456

	var discovered *discovery.DiscoveredDevice
	initDisco := discovery.New(ci.DeviceIdentity{}, ci.CategoryPropertyExchange, initTp, discovery.Options{
		MUID: ptr(initiatorMUID),
		OnDiscovered: func(d discovery.DiscoveredDevice) {
			discovered = &d
		},
	})
	respDisco := discovery.New(korgIdentity(), ci.CategoryPropertyExchange, respTp, discovery.Options{MUID: ptr(responderMUID)})

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case r := <-respTp.Receive():
				respDisco.Dispatch(r.Source, r.Bytes)
			}
		}
	}()
	defer close(stop)

	require.NoError(t, initDisco.SendDiscoveryInquiry(context.Background()))

	reply := <-initTp.Receive()
	initDisco.Dispatch(reply.Source, reply.Bytes)

	require.NotNil(t, discovered)
	require.Equal(t, responderMUID, discovered.MUID)
	require.Equal(t, korgIdentity(), discovered.Identity)
}

func ptr(m ci.MUID) *ci.MUID { return &m }

// Scenario 2: GET static resource.
func TestScenarioGetStaticResource(t *testing.T) {
	initTp, respTp := transport.CreatePair("initiator", "responder")
	const initiatorMUID ci.MUID = 0x1000001
	const responderMUID ci.MUID = 0x2000002

	resp := responder.New(responderMUID, respTp, responder.Options{})
	resp.Start()
	defer resp.Stop()
	resp.RegisterResource("DeviceInfo", resource.NewStatic("DeviceInfo", []byte(`{"manufacturer":"KORG Inc.","model":"Module Pro"}`)))

	mgr := initiator.New(initiatorMUID, initTp, initiator.Options{})
	mgr.RegisterDevice(responderMUID, transport.DestinationID("responder"))
	mgr.Start()
	defer mgr.Stop()

	got, err := mgr.Get(context.Background(), responderMUID, "DeviceInfo", time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, got.Status)
	require.JSONEq(t, `{"manufacturer":"KORG Inc.","model":"Module Pro"}`, string(got.Body))
}

type volume struct {
	Level int `json:"level"`
}

// Scenario 3: SET round-trip, via the typed setJSON<T>/getJSON<T>
// variants (spec.md §4.3, §8 scenario 3: `setJSON("Volume",
// {"level":50})` then `getJSON`).
func TestScenarioSetRoundTrip(t *testing.T) {
	initTp, respTp := transport.CreatePair("initiator", "responder")
	const initiatorMUID ci.MUID = 0x1000001
	const responderMUID ci.MUID = 0x2000002

	resp := responder.New(responderMUID, respTp, responder.Options{})
	resp.Start()
	defer resp.Stop()
	resp.RegisterResource("Volume", resource.NewMemory("Volume", []byte(`{"level":10}`)))

	mgr := initiator.New(initiatorMUID, initTp, initiator.Options{})
	mgr.RegisterDevice(responderMUID, transport.DestinationID("responder"))
	mgr.Start()
	defer mgr.Stop()

	setResp, err := initiator.SetJSON(context.Background(), mgr, responderMUID, "Volume", volume{Level: 50}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, setResp.Status)

	got, _, err := initiator.GetJSON[volume](context.Background(), mgr, responderMUID, "Volume", time.Second)
	require.NoError(t, err)
	require.Equal(t, 50, got.Level)
}

// Scenario 4: Batch GET with partial failure.
func TestScenarioBatchGetPartialFailure(t *testing.T) {
	initTp, respTp := transport.CreatePair("initiator", "responder")
	const initiatorMUID ci.MUID = 0x1000001
	const responderMUID ci.MUID = 0x2000002

	resp := responder.New(responderMUID, respTp, responder.Options{})
	resp.Start()
	defer resp.Stop()
	resp.RegisterResource("A", resource.NewStatic("A", []byte(`"a"`)))
	resp.RegisterResource("B", resource.NewStatic("B", []byte(`"b"`)))

	mgr := initiator.New(initiatorMUID, initTp, initiator.Options{})
	mgr.RegisterDevice(responderMUID, transport.DestinationID("responder"))
	mgr.Start()
	defer mgr.Stop()

	results := mgr.BatchGet(context.Background(), responderMUID, []string{"A", "B", "C"}, initiator.BatchOptions{Timeout: time.Second})
	require.Len(t, results, 3)
	require.Equal(t, 2, initiator.SuccessCount(results))
	require.Equal(t, 1, initiator.FailureCount(results))
	require.Equal(t, 404, results["C"].Response.Status)
}

// Scenario 5: Subscribe + notify.
func TestScenarioSubscribeAndNotify(t *testing.T) {
	initTp, respTp := transport.CreatePair("initiator", "responder")
	const initiatorMUID ci.MUID = 0x1000001
	const responderMUID ci.MUID = 0x2000002

	resp := responder.New(responderMUID, respTp, responder.Options{})
	resp.Start()
	defer resp.Stop()
	resp.RegisterResource("Patch", resource.NewMemory("Patch", nil))

	notifications := make(chan struct {
		resource string
		body     []byte
	}, 4)
	mgr := initiator.New(initiatorMUID, initTp, initiator.Options{
		OnNotify: func(source ci.MUID, res, subscribeID string, body []byte) {
			notifications <- struct {
				resource string
				body     []byte
			}{res, body}
		},
	})
	mgr.RegisterDevice(responderMUID, transport.DestinationID("responder"))
	mgr.Start()
	defer mgr.Stop()

	subID, subResp, err := mgr.Subscribe(context.Background(), responderMUID, "Patch", time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, subResp.Status)
	require.NotEmpty(t, subID)

	resp.Notify("Patch", []byte(`{"name":"Lead"}`), nil)

	select {
	case n := <-notifications:
		require.Equal(t, "Patch", n.resource)
		require.JSONEq(t, `{"name":"Lead"}`, string(n.body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notify")
	}

	_, err = mgr.Unsubscribe(context.Background(), responderMUID, "Patch", subID, time.Second)
	require.NoError(t, err)

	resp.Notify("Patch", []byte(`{"name":"Bass"}`), nil)
	select {
	case n := <-notifications:
		t.Fatalf("unexpected notify after unsubscribe: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

// Scenario 6: Conditional SET skip.
func TestScenarioConditionalSetSkip(t *testing.T) {
	initTp, respTp := transport.CreatePair("initiator", "responder")
	const initiatorMUID ci.MUID = 0x1000001
	const responderMUID ci.MUID = 0x2000002

	resp := responder.New(responderMUID, respTp, responder.Options{})
	resp.Start()
	defer resp.Stop()
	resp.RegisterResource("Volume", resource.NewMemory("Volume", []byte(`{"level":80}`)))

	mgr := initiator.New(initiatorMUID, initTp, initiator.Options{})
	mgr.RegisterDevice(responderMUID, transport.DestinationID("responder"))
	mgr.Start()
	defer mgr.Stop()

	type vol struct {
		Level int `json:"level"`
	}
	below50 := func(b []byte) bool {
		var v vol
		_ = json.Unmarshal(b, &v)
		return v.Level < 50
	}
	to100 := func([]byte) ([]byte, error) { return json.Marshal(vol{Level: 100}) }

	result := mgr.ConditionalSet(responderMUID, "Volume").SetIf(context.Background(), time.Second, below50, to100)
	require.True(t, result.Skipped)
	require.JSONEq(t, `{"level":80}`, string(result.Old))

	got, err := mgr.Get(context.Background(), responderMUID, "Volume", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"level":80}`, string(got.Body))
}
