package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"midici-pe-engine/ci"
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

func TestNewMUIDNeverBroadcastOrZero(t *testing.T) {
	for i := 0; i < 256; i++ {
		m := NewMUID()
		require.NotEqual(t, ci.BroadcastMUID, m)
		require.NotEqual(t, ci.MUID(0), m)
		require.True(t, m.Valid())
	}
}

func TestDiscoveryInquiryReplyRoundTrip(t *testing.T) {
	initTp, respTp := transport.CreatePair("initiator", "responder")

	var discovered *DiscoveredDevice
	respMgr := New(korgIdentity(), ci.CategoryPropertyExchange, respTp, Options{})

	initMgr := New(ci.DeviceIdentity{Manufacturer: ci.StandardManufacturerID(0x7D)}, ci.CategoryPropertyExchange, initTp, Options{
		OnDiscovered: func(d DiscoveredDevice) { discovered = &d },
	})

	done := make(chan struct{})
	go func() {
		r := <-respTp.Receive()
		respMgr.Dispatch(r.Source, r.Bytes)
		close(done)
	}()

	require.NoError(t, initMgr.SendDiscoveryInquiry(context.Background()))
	<-done

	reply := <-initTp.Receive()
	initMgr.Dispatch(reply.Source, reply.Bytes)

	require.NotNil(t, discovered)
	require.Equal(t, respMgr.MUID(), discovered.MUID)
	require.Equal(t, korgIdentity(), discovered.Identity)

	devs := initMgr.Devices()
	require.Len(t, devs, 1)
}

func TestInvalidateRemovesDevice(t *testing.T) {
	tp, _ := transport.CreatePair("a", "b")
	m := New(korgIdentity(), 0, tp, Options{})
	m.mu.Lock()
	m.devices[ci.MUID(42)] = &DiscoveredDevice{MUID: 42, LastSeen: time.Now()}
	m.mu.Unlock()

	m.Invalidate(42)
	require.Empty(t, m.Devices())
}

func TestSweepStaleDropsOldEntries(t *testing.T) {
	tp, _ := transport.CreatePair("a", "b")
	m := New(korgIdentity(), 0, tp, Options{})
	m.mu.Lock()
	m.devices[ci.MUID(1)] = &DiscoveredDevice{MUID: 1, LastSeen: time.Now().Add(-time.Hour)}
	m.devices[ci.MUID(2)] = &DiscoveredDevice{MUID: 2, LastSeen: time.Now()}
	m.mu.Unlock()

	m.SweepStale(time.Now().Add(-time.Minute))

	devs := m.Devices()
	require.Len(t, devs, 1)
	require.Equal(t, ci.MUID(2), devs[0].MUID)
}
