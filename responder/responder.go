// Package responder implements PEResponder, the responder side of
// Property Exchange: dispatching inbound inquiries to registered
// resources, bookkeeping subscriptions, and emitting notifications
// (spec.md §4.4). Its shape mirrors the teacher's router.go — a single
// dispatch switch keyed by message type, routing each frame to a small
// per-type handler — generalized from SMPP command IDs to CI message
// types and from a connection registry to a resource registry.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"midici-pe-engine/ci"
	"midici-pe-engine/codec"
	"midici-pe-engine/discovery"
	"midici-pe-engine/logging"
	"midici-pe-engine/metrics"
	"midici-pe-engine/resource"
	"midici-pe-engine/trace"
	"midici-pe-engine/transport"
)

// DefaultMaxSimultaneous is the PE Capability Reply's advertised
// per-device concurrency (spec.md §4.4, "Reply with
// peCapabilityReply(maxSimultaneous=4, v0.2)").
const DefaultMaxSimultaneous = 4

// Options configures a Responder. Zero values fall back to the spec's
// defaults; every collaborator is optional.
type Options struct {
	Trace     *trace.Buffer
	Logger    *logging.Manager
	Metrics   *metrics.Registry
	Discovery *discovery.Manager
}

type subscription struct {
	id        string
	resource  string
	initiator ci.MUID
}

// Responder is PEResponder.
type Responder struct {
	selfMUID ci.MUID
	tp       transport.Transport

	trace     *trace.Buffer
	log       *logging.Manager
	mx        *metrics.Registry
	discovery *discovery.Manager
	re        *codec.Reassembler

	mu        sync.RWMutex
	resources map[string]resource.Resource
	// subs is keyed by subscribeId; byResourceInitiator dedups starts.
	subs                map[string]*subscription
	byResourceInitiator map[string]string // "<resource>\x00<muid>" -> subscribeId
	nextSub             int

	destMu sync.RWMutex
	dests  map[ci.MUID]transport.DestinationID

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Responder bound to self over tp.
func New(self ci.MUID, tp transport.Transport, opts Options) *Responder {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Responder{
		selfMUID:            self,
		tp:                  tp,
		trace:               opts.Trace,
		log:                 logger,
		mx:                  opts.Metrics,
		discovery:           opts.Discovery,
		re:                  codec.NewReassembler(),
		resources:           make(map[string]resource.Resource),
		subs:                make(map[string]*subscription),
		byResourceInitiator: make(map[string]string),
		dests:               make(map[ci.MUID]transport.DestinationID),
		stop:                make(chan struct{}),
	}
}

// RegisterResource adds or replaces a named resource.
func (r *Responder) RegisterResource(name string, res resource.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[name] = res
}

// UnregisterResource removes a named resource. Existing subscriptions
// against it are left in place; they will fail lookups on the next
// inquiry rather than being proactively torn down (spec.md is silent
// on this case, and removal is an application-level decision).
func (r *Responder) UnregisterResource(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, name)
}

// Start launches the receive loop that dispatches inbound frames. It
// returns immediately; call Stop to shut the loop down.
func (r *Responder) Start() {
	r.wg.Add(1)
	go r.receiveLoop()
}

// Stop ends the receive loop. Existing subscriptions remain in memory
// (spec.md §5, "Cancellation": "existing subscriptions remain in
// memory until removeSubscriptions or process end").
func (r *Responder) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Responder) receiveLoop() {
	defer r.wg.Done()
	ch := r.tp.Receive()
	for {
		select {
		case <-r.stop:
			return
		case rcv, ok := <-ch:
			if !ok {
				return
			}
			r.Dispatch(rcv.Source, rcv.Bytes)
		}
	}
}

// Dispatch processes one inbound frame from a transport-level source,
// routing it by CI message type (spec.md §4.4's dispatch table). It is
// exported so a node acting as both Initiator and Responder can own a
// single receive loop and feed every frame to both sides instead of
// racing two readers over one channel.
func (r *Responder) Dispatch(from transport.SourceID, b []byte) {
	pm, ok := codec.Parse(b)
	if !ok {
		r.log.Log("MalformedFrame", logrus.WarnLevel, "unknown", "bad framing")
		return
	}
	if r.trace != nil {
		r.trace.Record(trace.DirectionReceive, pm.Source.String(), b, "")
		if r.mx != nil {
			r.mx.IncTraceEntries()
		}
	}
	if !pm.AddressedTo(r.selfMUID) {
		return
	}
	r.rememberDest(pm.Source, from)

	switch pm.Type {
	case ci.MsgPECapabilityInq:
		r.replyCapability(pm.Source)
	case ci.MsgPEGetInquiry:
		r.handleGet(pm.Source, b)
	case ci.MsgPESetInquiry:
		r.handleSet(pm.Source, b)
	case ci.MsgPESubscribeInq:
		r.handleSubscribe(pm.Source, b)
	case ci.MsgPESubscribeReply:
		// Initiator's acknowledgement; a well-behaved Responder never
		// needs to act on it (spec.md §4.4, §9).
	case ci.MsgDiscoveryInquiry, ci.MsgDiscoveryReply, ci.MsgInvalidateMUID:
		if r.discovery != nil {
			r.discovery.Dispatch(from, b)
		}
	default:
		// Profile Configuration / Process Inquiry frames are outside
		// this core's scope (spec.md §1).
	}
}

func (r *Responder) rememberDest(muid ci.MUID, from transport.SourceID) {
	r.destMu.Lock()
	defer r.destMu.Unlock()
	r.dests[muid] = transport.DestinationID(from)
}

func (r *Responder) destFor(muid ci.MUID) (transport.DestinationID, bool) {
	r.destMu.RLock()
	defer r.destMu.RUnlock()
	d, ok := r.dests[muid]
	return d, ok
}

func (r *Responder) send(dst ci.MUID, frame []byte) error {
	return r.sendFrames(dst, [][]byte{frame})
}

// sendFrames sends one or more wire frames produced for the same
// logical reply in order — plural when codec split a large reply body
// across multiple PE envelope chunks (spec.md §3).
func (r *Responder) sendFrames(dst ci.MUID, frames [][]byte) error {
	destID, ok := r.destFor(dst)
	if !ok {
		return fmt.Errorf("no known destination for %s", dst)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, frame := range frames {
		if err := r.tp.Send(ctx, frame, destID); err != nil {
			return err
		}
		if r.trace != nil {
			r.trace.Record(trace.DirectionSend, string(destID), frame, "")
			if r.mx != nil {
				r.mx.IncTraceEntries()
			}
		}
	}
	return nil
}

func (r *Responder) replyCapability(dst ci.MUID) {
	frame := codec.PECapabilityReply(r.selfMUID, dst, DefaultMaxSimultaneous, 0, 2)
	r.send(dst, frame)
}

func (r *Responder) lookup(name string) (resource.Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[name]
	return res, ok
}

func (r *Responder) handleGet(source ci.MUID, b []byte) {
	req, err := codec.ParseFullPEGetInquiry(b, r.re)
	if err != nil || !req.Complete {
		return
	}
	res, ok := r.lookup(req.Resource)
	if !ok {
		r.log.Log("ResourceNotFound", logrus.WarnLevel, req.Resource)
		frame := codec.PEGetReply(r.selfMUID, source, req.RequestID, codec.ErrorResponseHeader(404, "resource not found"), nil)
		r.send(source, frame)
		return
	}
	var rh resource.Header
	decodeRequestHeader(req.HeaderData, &rh)
	body, err := res.Get(rh)
	if err != nil {
		frame := codec.PEGetReply(r.selfMUID, source, req.RequestID, codec.ErrorResponseHeader(500, err.Error()), nil)
		r.send(source, frame)
		return
	}
	respHeader := res.ResponseHeader(rh, body)
	frames := codec.PEGetReplyFrames(r.selfMUID, source, req.RequestID, respHeader, body)
	r.sendFrames(source, frames)
}

func (r *Responder) handleSet(source ci.MUID, b []byte) {
	req, err := codec.ParseFullPESetInquiry(b, r.re)
	if err != nil || !req.Complete {
		return
	}
	res, ok := r.lookup(req.Resource)
	if !ok {
		r.log.Log("ResourceNotFound", logrus.WarnLevel, req.Resource)
		frame := codec.PESetReply(r.selfMUID, source, req.RequestID, codec.ErrorResponseHeader(404, "resource not found"))
		r.send(source, frame)
		return
	}
	var rh resource.Header
	decodeRequestHeader(req.HeaderData, &rh)
	_, err = res.Set(rh, req.PropertyData)
	if err != nil {
		status := 500
		if errors.Is(err, resource.ErrReadOnly) {
			status = 405
			r.log.Log("ResourceReadOnly", logrus.WarnLevel, req.Resource)
		}
		frame := codec.PESetReply(r.selfMUID, source, req.RequestID, codec.ErrorResponseHeader(status, err.Error()))
		r.send(source, frame)
		return
	}
	frame := codec.PESetReply(r.selfMUID, source, req.RequestID, codec.SuccessResponseHeader())
	r.send(source, frame)
}

func (r *Responder) handleSubscribe(source ci.MUID, b []byte) {
	req, err := codec.ParseFullPESubscribeInquiry(b, r.re)
	if err != nil || !req.Complete {
		return
	}
	switch req.Command {
	case "start":
		r.startSubscription(source, req.Resource, req.RequestID)
	case "end":
		r.endSubscription(source, req.SubscribeID, req.RequestID)
	default:
		frame := codec.PESubscribeReply(r.selfMUID, source, req.RequestID, codec.ErrorResponseHeader(400, "unknown subscribe command"))
		r.send(source, frame)
	}
}

func (r *Responder) startSubscription(source ci.MUID, name string, requestID byte) {
	res, ok := r.lookup(name)
	if !ok {
		frame := codec.PESubscribeReply(r.selfMUID, source, requestID, codec.ErrorResponseHeader(404, "resource not found"))
		r.send(source, frame)
		return
	}
	if !res.SupportsSubscription() {
		frame := codec.PESubscribeReply(r.selfMUID, source, requestID, codec.ErrorResponseHeader(405, "resource does not support subscription"))
		r.send(source, frame)
		return
	}

	key := dedupKey(name, source)

	r.mu.Lock()
	if existing, ok := r.byResourceInitiator[key]; ok {
		r.mu.Unlock()
		frame := codec.PESubscribeReply(r.selfMUID, source, requestID, codec.SubscribeResponseHeader(200, existing))
		r.send(source, frame)
		return
	}
	r.nextSub++
	id := fmt.Sprintf("sub-%d", r.nextSub)
	r.subs[id] = &subscription{id: id, resource: name, initiator: source}
	r.byResourceInitiator[key] = id
	count := len(r.subs)
	r.mu.Unlock()

	if r.mx != nil {
		r.mx.SetSubscriptions(count)
	}
	r.log.Log("SubscriptionStarted", logrus.InfoLevel, id, name, source.String())
	frame := codec.PESubscribeReply(r.selfMUID, source, requestID, codec.SubscribeResponseHeader(200, id))
	r.send(source, frame)
}

func (r *Responder) endSubscription(source ci.MUID, subscribeID string, requestID byte) {
	r.mu.Lock()
	sub, ok := r.subs[subscribeID]
	if ok {
		delete(r.subs, subscribeID)
		delete(r.byResourceInitiator, dedupKey(sub.resource, sub.initiator))
	}
	count := len(r.subs)
	r.mu.Unlock()

	if !ok {
		frame := codec.PESubscribeReply(r.selfMUID, source, requestID, codec.ErrorResponseHeader(404, "subscription not found"))
		r.send(source, frame)
		return
	}
	if r.mx != nil {
		r.mx.SetSubscriptions(count)
	}
	r.log.Log("SubscriptionEnded", logrus.InfoLevel, subscribeID, sub.resource)
	frame := codec.PESubscribeReply(r.selfMUID, source, requestID, codec.SubscribeResponseHeader(200, subscribeID))
	r.send(source, frame)
}

// decodeRequestHeader unmarshals a PE request's raw header JSON into
// the typed shape resource handlers receive; a malformed or empty
// header decodes to the zero value rather than failing the request —
// codec.ParseFullPEGetInquiry/ParseFullPESetInquiry already rejected
// non-UTF-8 or unparseable headers before Dispatch ever sees them.
func decodeRequestHeader(raw []byte, rh *resource.Header) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, rh)
}

func dedupKey(resourceName string, muid ci.MUID) string {
	return resourceName + "\x00" + muid.String()
}

// Notify emits a PE Notify to every live subscriber of resource except
// those in excludeMUIDs (spec.md §4.4). Delivery is best-effort and
// fire-and-forget (spec.md §9's Open Question): a send failure is
// logged and dropped, never returned to the caller.
func (r *Responder) Notify(resource string, data []byte, excludeMUIDs map[ci.MUID]bool) {
	r.mu.RLock()
	var targets []*subscription
	for _, s := range r.subs {
		if s.resource != resource {
			continue
		}
		if excludeMUIDs != nil && excludeMUIDs[s.initiator] {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		header := codec.NotifyHeader(s.id, resource)
		frame := codec.PENotify(r.selfMUID, s.initiator, header, data)
		if _, ok := r.destFor(s.initiator); !ok {
			r.log.Log("NotifyFailed", logrus.WarnLevel, resource, s.initiator.String(), "no known destination")
			continue
		}
		if err := r.send(s.initiator, frame); err != nil {
			r.log.Log("NotifyFailed", logrus.WarnLevel, resource, s.initiator.String(), err.Error())
			continue
		}
		if r.mx != nil {
			r.mx.IncNotifiesSent(resource)
		}
		r.log.Log("NotifySent", logrus.DebugLevel, resource, s.initiator.String())
	}
}

// SubscriberMUIDs returns the distinct initiator MUIDs currently
// holding at least one subscription.
func (r *Responder) SubscriberMUIDs() []ci.MUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[ci.MUID]bool)
	var out []ci.MUID
	for _, s := range r.subs {
		if !seen[s.initiator] {
			seen[s.initiator] = true
			out = append(out, s.initiator)
		}
	}
	return out
}

// RemoveSubscriptions drops any subscription whose initiator MUID is
// not present in activeMUIDs (spec.md §4.4's stale sweep).
func (r *Responder) RemoveSubscriptions(activeMUIDs map[ci.MUID]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		if activeMUIDs[s.initiator] {
			continue
		}
		delete(r.subs, id)
		delete(r.byResourceInitiator, dedupKey(s.resource, s.initiator))
		r.log.Log("SubscriptionStale", logrus.InfoLevel, id, s.initiator.String())
	}
	if r.mx != nil {
		r.mx.SetSubscriptions(len(r.subs))
	}
}
