// Package initiator implements PEManager, the initiator side of
// Property Exchange: request/reply correlation, per-device concurrency,
// batching, pipelines, and conditional SET (spec.md §4.3). Its shape
// mirrors the teacher's conversation/queue pairing in convo.go and
// msg_queue.go — a pending-request table keyed by a correlation ID,
// filled in by a receive loop and drained by the caller that sent the
// request — generalized from SMPP sequence numbers to MIDI-CI request
// IDs and from one transport to the Transport interface.
package initiator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"midici-pe-engine/ci"
	"midici-pe-engine/codec"
	"midici-pe-engine/logging"
	"midici-pe-engine/metrics"
	"midici-pe-engine/trace"
	"midici-pe-engine/transport"
)

// Defaults per spec.md §6 ("Environment / configuration").
const (
	DefaultRequestTimeout   = 5 * time.Second
	DefaultMaxConcurrency   = 4
	DefaultBatchConcurrency = 4
	VersionMajor            = 0
	VersionMinor            = 2
)

// NotifyFunc receives an asynchronous PE Notify frame. source is the
// MUID of the responder that sent it; subscribeID and resource come
// from the notify header.
type NotifyFunc func(source ci.MUID, resource, subscribeID string, body []byte)

// Resolver maps a destination MUID to a transport-level destination.
// Callers populate it via RegisterDevice, or supply their own when a
// discovery.Manager already tracks the mapping.
type Resolver interface {
	Resolve(dst ci.MUID) (transport.DestinationID, error)
}

// staticResolver is the Resolver built by RegisterDevice/New when the
// caller does not supply one of its own.
type staticResolver struct {
	mu   sync.RWMutex
	devs map[ci.MUID]transport.DestinationID
}

func newStaticResolver() *staticResolver {
	return &staticResolver{devs: make(map[ci.MUID]transport.DestinationID)}
}

func (r *staticResolver) Resolve(dst ci.MUID) (transport.DestinationID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.devs[dst]
	if !ok {
		return "", &ci.DeviceNotFoundError{MUID: dst}
	}
	return id, nil
}

func (r *staticResolver) register(muid ci.MUID, id transport.DestinationID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devs[muid] = id
}

// Options configures a Manager. Zero values fall back to the spec's
// defaults.
type Options struct {
	RequestTimeout  time.Duration
	MaxConcurrency  int64
	Trace           *trace.Buffer
	Logger          *logging.Manager
	Metrics         *metrics.Registry
	Resolver        Resolver
	OnNotify        NotifyFunc
}

// deviceState is the per-destination-device bookkeeping: a concurrency
// semaphore (spec.md's "per-device concurrency cap") and a request-ID
// pool with its pending-reply table, the same "one guard per mutable
// container" shape the teacher applies to ClientNumber maps.
type deviceState struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	freeIDs []byte
	pending map[byte]*pendingRequest
}

func newDeviceState(maxConcurrency int64) *deviceState {
	ids := make([]byte, 0, 127)
	for i := byte(127); i >= 1; i-- {
		ids = append(ids, i)
	}
	return &deviceState{
		sem:     semaphore.NewWeighted(maxConcurrency),
		freeIDs: ids,
		pending: make(map[byte]*pendingRequest),
	}
}

// acquireID takes the next free request ID, or reports ErrTooManyInFlight.
// Spec.md §4.3 allows either blocking or failing fast when the 127-ID
// pool is exhausted; since the per-device semaphore (default width 4)
// already bounds true concurrency far below 127, this engine fails
// fast — an exhausted ID pool past that point means a caller is leaking
// requests, not a transient burst worth waiting out.
func (d *deviceState) acquireID(p *pendingRequest) (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.freeIDs) == 0 {
		return 0, ci.ErrTooManyInFlight
	}
	id := d.freeIDs[len(d.freeIDs)-1]
	d.freeIDs = d.freeIDs[:len(d.freeIDs)-1]
	d.pending[id] = p
	return id, nil
}

func (d *deviceState) releaseID(id byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, id)
	d.freeIDs = append(d.freeIDs, id)
}

func (d *deviceState) take(id byte) (*pendingRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	return p, ok
}

func (d *deviceState) inFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

type pendingResult struct {
	reply codec.FullPEReply
	err   error
}

type pendingRequest struct {
	resultCh chan pendingResult
}

// Manager is PEManager: the initiator side of Property Exchange.
type Manager struct {
	selfMUID ci.MUID
	tp       transport.Transport
	resolver Resolver
	static   *staticResolver

	trace   *trace.Buffer
	log     *logging.Manager
	mx      *metrics.Registry
	re      *codec.Reassembler
	onNotify NotifyFunc

	requestTimeout time.Duration
	maxConcurrency int64

	mu      sync.Mutex
	devices map[ci.MUID]*deviceState

	validatorsMu sync.RWMutex
	validators   map[string]ValidatorFunc

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Manager bound to self over tp. Call Start to begin
// processing inbound replies.
func New(self ci.MUID, tp transport.Transport, opts Options) *Manager {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	static := newStaticResolver()
	resolver := opts.Resolver
	if resolver == nil {
		resolver = static
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
	}

	return &Manager{
		selfMUID:       self,
		tp:             tp,
		resolver:       resolver,
		static:         static,
		trace:          opts.Trace,
		log:            logger,
		mx:             opts.Metrics,
		re:             codec.NewReassembler(),
		onNotify:       opts.OnNotify,
		requestTimeout: timeout,
		maxConcurrency: maxConcurrency,
		devices:        make(map[ci.MUID]*deviceState),
		stop:           make(chan struct{}),
	}
}

// RegisterDevice records the transport destination for a MUID, for use
// when the Manager was built with the default static resolver.
func (m *Manager) RegisterDevice(muid ci.MUID, dst transport.DestinationID) {
	m.static.register(muid, dst)
}

// Start launches the receive loop that correlates inbound replies
// (and dispatches inbound Notify frames) with outstanding requests. It
// returns immediately; call Stop to shut the loop down.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.receiveLoop()
}

// Stop ends the receive loop. Pending requests in flight at the time
// of the call will time out on their own; Stop does not cancel them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) receiveLoop() {
	defer m.wg.Done()
	ch := m.tp.Receive()
	for {
		select {
		case <-m.stop:
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			m.HandleFrame(r.Bytes)
		}
	}
}

// HandleFrame processes one inbound frame: reply correlation and Notify
// dispatch. It is exported so a node running both Initiator and
// Responder roles over a single transport endpoint can own one receive
// loop and feed every frame to both sides rather than racing two
// readers over the same channel (Start uses it internally for the
// Initiator-only case).
func (m *Manager) HandleFrame(b []byte) {
	pm, ok := codec.Parse(b)
	if !ok {
		m.log.Log("MalformedFrame", logrus.WarnLevel, "unknown", "bad framing")
		return
	}
	if m.trace != nil {
		m.trace.Record(trace.DirectionReceive, pm.Source.String(), b, "")
		if m.mx != nil {
			m.mx.IncTraceEntries()
		}
	}

	switch pm.Type {
	case ci.MsgPEGetReply, ci.MsgPESetReply, ci.MsgPESubscribeReply:
		reply, err := codec.ParseFullPEReply(b, m.re)
		if err != nil || !reply.Complete {
			return
		}
		m.deliver(pm.Source, reply, err)
	case ci.MsgPENotify:
		reply, err := codec.ParseFullPEReply(b, nil)
		if err != nil || m.onNotify == nil {
			return
		}
		m.onNotify(pm.Source, reply.Header.Resource, reply.Header.SubscribeID, reply.Body)
	default:
		// Discovery and Profile/Process Inquiry frames are out of this
		// package's scope; other packages (discovery) watch the same
		// transport independently.
	}
}

func (m *Manager) deliver(source ci.MUID, reply codec.FullPEReply, err error) {
	m.mu.Lock()
	dev, ok := m.devices[source]
	m.mu.Unlock()
	if !ok {
		return
	}
	p, ok := dev.take(reply.RequestID)
	if !ok {
		return
	}
	select {
	case p.resultCh <- pendingResult{reply: reply, err: err}:
	default:
	}
}

func (m *Manager) deviceFor(muid ci.MUID) *deviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[muid]
	if !ok {
		d = newDeviceState(m.maxConcurrency)
		m.devices[muid] = d
	}
	return d
}

// PEResponse is the successful (or status-carrying) result of a GET,
// SET, Subscribe, or Unsubscribe call.
type PEResponse struct {
	Status int
	Body   []byte
	Header codec.ResponseHeader
}

// operation identifies a request kind for logging/metrics labels and
// selects which codec builder to use.
type operation byte

const (
	opGet operation = iota
	opSet
	opSubscribe
)

func (o operation) String() string {
	switch o {
	case opGet:
		return "get"
	case opSet:
		return "set"
	case opSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// Get performs a whole-device PE GET of resource on dst.
func (m *Manager) Get(ctx context.Context, dst ci.MUID, resource string, timeout time.Duration) (*PEResponse, error) {
	return m.request(ctx, dst, nil, opGet, codec.RequestHeaderFor(resource), nil, timeout)
}

// GetOnChannel performs a channel-addressed PE GET.
func (m *Manager) GetOnChannel(ctx context.Context, dst ci.MUID, channel byte, resource string, timeout time.Duration) (*PEResponse, error) {
	return m.request(ctx, dst, &channel, opGet, codec.RequestHeaderFor(resource), nil, timeout)
}

// Set performs a whole-device PE SET of resource on dst.
func (m *Manager) Set(ctx context.Context, dst ci.MUID, resource string, body []byte, timeout time.Duration) (*PEResponse, error) {
	return m.request(ctx, dst, nil, opSet, codec.RequestHeaderFor(resource), body, timeout)
}

// SetOnChannel performs a channel-addressed PE SET.
func (m *Manager) SetOnChannel(ctx context.Context, dst ci.MUID, channel byte, resource string, body []byte, timeout time.Duration) (*PEResponse, error) {
	return m.request(ctx, dst, &channel, opSet, codec.RequestHeaderFor(resource), body, timeout)
}

// Subscribe starts a subscription to resource on dst, returning the
// responder-assigned subscribeId.
func (m *Manager) Subscribe(ctx context.Context, dst ci.MUID, resource string, timeout time.Duration) (string, *PEResponse, error) {
	header := codec.SubscribeRequestHeader(resource, "start", "")
	resp, err := m.request(ctx, dst, nil, opSubscribe, header, nil, timeout)
	if err != nil {
		return "", resp, err
	}
	return resp.Header.SubscribeID, resp, nil
}

// Unsubscribe ends a previously-started subscription.
func (m *Manager) Unsubscribe(ctx context.Context, dst ci.MUID, resource, subscribeID string, timeout time.Duration) (*PEResponse, error) {
	header := codec.SubscribeRequestHeader(resource, "end", subscribeID)
	return m.request(ctx, dst, nil, opSubscribe, header, nil, timeout)
}

func (m *Manager) request(ctx context.Context, dst ci.MUID, channel *byte, op operation, header, body []byte, timeout time.Duration) (*PEResponse, error) {
	if timeout <= 0 {
		timeout = m.requestTimeout
	}
	destID, err := m.resolver.Resolve(dst)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dev := m.deviceFor(dst)
	if err := dev.sem.Acquire(opCtx, 1); err != nil {
		return nil, ci.ErrTimeout
	}
	defer dev.sem.Release(1)

	p := &pendingRequest{resultCh: make(chan pendingResult, 1)}
	id, err := dev.acquireID(p)
	if err != nil {
		m.log.Log("TooManyInFlight", logrus.WarnLevel, dst.String())
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			dev.releaseID(id)
			released = true
		}
	}
	defer release()

	if m.mx != nil {
		m.mx.SetInFlight(dst.String(), dev.inFlight())
	}

	frames := buildFrames(op, channel, m.selfMUID, dst, id, header, body)

	for _, frame := range frames {
		if err := m.tp.Send(opCtx, frame, destID); err != nil {
			return nil, &ci.TransportError{Underlying: err}
		}
		if m.trace != nil {
			m.trace.Record(trace.DirectionSend, string(destID), frame, "")
			if m.mx != nil {
				m.mx.IncTraceEntries()
			}
		}
	}
	if m.mx != nil {
		m.mx.IncRequestsSent(op.String())
	}
	m.log.Log("RequestSent", logrus.DebugLevel, id, dst.String(), resourceNameOf(header))

	select {
	case <-opCtx.Done():
		release()
		m.re.Discard(uint32(dst), id)
		if m.mx != nil {
			m.mx.IncTimeouts(op.String())
		}
		m.log.Log("RequestTimeout", logrus.WarnLevel, id, dst.String(), resourceNameOf(header))
		return nil, ci.ErrTimeout
	case res := <-p.resultCh:
		release()
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ci.ErrMalformedReply, res.err)
		}
		resp := &PEResponse{Status: res.reply.Header.Status, Body: res.reply.Body, Header: res.reply.Header}
		statusClass := "2xx"
		if resp.Status >= 400 {
			statusClass = "4xx"
			if resp.Status >= 500 {
				statusClass = "5xx"
			}
		}
		if m.mx != nil {
			m.mx.IncRepliesReceived(op.String(), statusClass)
		}
		if resp.Status != 200 {
			return resp, &ci.StatusError{Status: resp.Status, Message: resp.Header.Message}
		}
		return resp, nil
	}
}

// buildFrames builds the wire frame(s) for one request. GET and
// Subscribe Inquiries never carry a body, so they are always a single
// frame; a SET's body is routed through codec's chunking builders,
// which split it across multiple PE envelope chunks once it exceeds
// codec.MaxChunkBodyBytes (spec.md §3).
func buildFrames(op operation, channel *byte, src, dst ci.MUID, id byte, header, body []byte) [][]byte {
	switch op {
	case opGet:
		if channel != nil {
			return [][]byte{codec.PEGetInquiryOnChannel(*channel, src, dst, id, header)}
		}
		return [][]byte{codec.PEGetInquiry(src, dst, id, header)}
	case opSet:
		if channel != nil {
			return codec.PESetInquiryOnChannelFrames(*channel, src, dst, id, header, body)
		}
		return codec.PESetInquiryFrames(src, dst, id, header, body)
	case opSubscribe:
		return [][]byte{codec.PESubscribeInquiry(src, dst, id, header)}
	default:
		return nil
	}
}

func resourceNameOf(header []byte) string {
	var rh codec.RequestHeader
	if err := json.Unmarshal(header, &rh); err != nil {
		return ""
	}
	return rh.Resource
}
