// Package discovery implements the CI Manager: MUID generation,
// Discovery Inquiry/Reply handling, the discovered-device registry, and
// the stale-MUID sweep (spec.md §3-4.4's Discovery row, §8 scenario 1).
// It follows the same registry-behind-a-mutex shape the teacher gives
// its connected-client table (clients.go's Server.Clients), generalized
// from TCP connections to MIDI-CI peers learned over SysEx rather than
// a socket accept loop.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"midici-pe-engine/ci"
	"midici-pe-engine/codec"
	"midici-pe-engine/logging"
	"midici-pe-engine/metrics"
	"midici-pe-engine/transport"
)

// DefaultMaxSysEx is this node's advertised maximum SysEx message size
// when it has no transport-specific reason to advertise another.
const DefaultMaxSysEx = 4096

// sendTimeout bounds a Discovery reply/inquiry send; discovery traffic
// has no request/reply correlation to carry its own deadline the way PE
// requests do.
const sendTimeout = 5 * time.Second

// DeviceDiscoveredFunc is called whenever a Discovery Reply creates or
// refreshes a DiscoveredDevice entry.
type DeviceDiscoveredFunc func(DiscoveredDevice)

// DiscoveredDevice is a peer learned via Discovery (spec.md §3).
type DiscoveredDevice struct {
	MUID            ci.MUID
	Identity        ci.DeviceIdentity
	CategorySupport ci.CategorySupport
	MaxSysEx        uint32
	LastSeen        time.Time
	Destination     transport.DestinationID
}

// Options configures a Manager.
type Options struct {
	Logger  *logging.Manager
	Metrics *metrics.Registry
	// OnDiscovered is called synchronously from Dispatch when a
	// Discovery Reply is processed.
	OnDiscovered DeviceDiscoveredFunc
	// MUID overrides the randomly generated MUID New would otherwise
	// pick; used by tests and by a process restoring a MUID across a
	// warm restart within the same run.
	MUID *ci.MUID
}

// Manager is the CI Manager: it owns this node's own MUID and identity,
// answers Discovery Inquiries addressed to it, and tracks the peers it
// has discovered.
type Manager struct {
	selfMUID        ci.MUID
	identity        ci.DeviceIdentity
	categorySupport ci.CategorySupport
	maxSysEx        uint32
	tp              transport.Transport

	log          *logging.Manager
	mx           *metrics.Registry
	onDiscovered DeviceDiscoveredFunc

	mu      sync.RWMutex
	devices map[ci.MUID]*DiscoveredDevice
}

// NewMUID generates a fresh 28-bit MUID using a cryptographically
// random source, per spec.md §3's "nodes regenerate on restart"
// invariant. It never returns the reserved BroadcastMUID or zero.
func NewMUID() ci.MUID {
	for {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand failing is effectively unrecoverable for a
			// process that needs unique identifiers; fall back to a
			// process-local clock-seeded value rather than panicking.
			m := ci.MUID(uint32(time.Now().UnixNano()) & uint32(ci.BroadcastMUID))
			if m != ci.BroadcastMUID && m != 0 {
				return m
			}
			continue
		}
		raw := binary.BigEndian.Uint32(b[:]) & uint32(ci.BroadcastMUID)
		m := ci.MUID(raw)
		if m != ci.BroadcastMUID && m != 0 {
			return m
		}
	}
}

// New builds a Manager for a node identifying itself as identity over
// tp with a freshly generated MUID.
func New(identity ci.DeviceIdentity, categorySupport ci.CategorySupport, tp transport.Transport, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
	}
	self := NewMUID()
	if opts.MUID != nil {
		self = *opts.MUID
	}
	return &Manager{
		selfMUID:        self,
		identity:        identity,
		categorySupport: categorySupport,
		maxSysEx:        DefaultMaxSysEx,
		tp:              tp,
		log:             logger,
		mx:              opts.Metrics,
		onDiscovered:    opts.OnDiscovered,
		devices:         make(map[ci.MUID]*DiscoveredDevice),
	}
}

// MUID returns this node's own MUID.
func (m *Manager) MUID() ci.MUID { return m.selfMUID }

// SendDiscoveryInquiry broadcasts a Discovery Inquiry announcing this
// node (spec.md §8 scenario 1).
func (m *Manager) SendDiscoveryInquiry(ctx context.Context) error {
	frame := codec.DiscoveryInquiry(m.selfMUID, m.identity, m.categorySupport, m.maxSysEx, 0)
	return m.tp.Broadcast(ctx, frame)
}

// Dispatch processes one inbound Discovery Inquiry, Discovery Reply, or
// Invalidate MUID frame. Responder.Dispatch forwards matching frames
// here when a Manager is layered in (spec.md §4.4's dispatch table).
func (m *Manager) Dispatch(from transport.SourceID, b []byte) {
	pm, ok := codec.Parse(b)
	if !ok {
		return
	}
	switch pm.Type {
	case ci.MsgDiscoveryInquiry:
		m.handleInquiry(from, b)
	case ci.MsgDiscoveryReply:
		m.handleReply(from, b)
	case ci.MsgInvalidateMUID:
		m.handleInvalidate(b)
	}
}

func (m *Manager) handleInquiry(from transport.SourceID, b []byte) {
	parsed, err := codec.ParseDiscoveryInquiry(b)
	if err != nil {
		return
	}
	m.log.Log("DiscoveryReceived", logrus.DebugLevel, parsed.Source.String())

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	reply := codec.DiscoveryReply(m.selfMUID, parsed.Source, m.identity, m.categorySupport, m.maxSysEx, parsed.OutputPathID, 0)
	if err := m.tp.Send(ctx, reply, transport.DestinationID(from)); err != nil {
		return
	}
	m.log.Log("DiscoveryReplySent", logrus.DebugLevel, parsed.Source.String())
}

func (m *Manager) handleReply(from transport.SourceID, b []byte) {
	parsed, err := codec.ParseDiscoveryReply(b)
	if err != nil {
		return
	}
	dev := &DiscoveredDevice{
		MUID:            parsed.Source,
		Identity:        parsed.Identity,
		CategorySupport: parsed.CategorySupport,
		MaxSysEx:        parsed.MaxSysEx,
		LastSeen:        time.Now(),
		Destination:     transport.DestinationID(from),
	}

	m.mu.Lock()
	m.devices[parsed.Source] = dev
	count := len(m.devices)
	m.mu.Unlock()

	if m.mx != nil {
		m.mx.SetDiscoveredPeers(count)
	}
	if m.onDiscovered != nil {
		m.onDiscovered(*dev)
	}
}

func (m *Manager) handleInvalidate(b []byte) {
	pm, ok := codec.Parse(b)
	if !ok {
		return
	}
	m.Invalidate(pm.Source)
}

// Invalidate removes a device from the registry explicitly.
func (m *Manager) Invalidate(muid ci.MUID) {
	m.mu.Lock()
	delete(m.devices, muid)
	count := len(m.devices)
	m.mu.Unlock()
	if m.mx != nil {
		m.mx.SetDiscoveredPeers(count)
	}
}

// Devices returns a snapshot of every currently discovered device.
func (m *Manager) Devices() []DiscoveredDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DiscoveredDevice, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	return out
}

// Device looks up a single discovered device by MUID.
func (m *Manager) Device(muid ci.MUID) (DiscoveredDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[muid]
	if !ok {
		return DiscoveredDevice{}, false
	}
	return *d, true
}

// SweepStale removes any discovered device whose LastSeen predates
// cutoff, the stale-MUID sweep spec.md §3 names as one of a
// DiscoveredDevice's lifecycle-ending events.
func (m *Manager) SweepStale(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for muid, d := range m.devices {
		if d.LastSeen.Before(cutoff) {
			delete(m.devices, muid)
		}
	}
	if m.mx != nil {
		m.mx.SetDiscoveredPeers(len(m.devices))
	}
}
