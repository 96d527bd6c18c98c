// Package codec builds and parses MIDI-CI SysEx frames: the Discovery,
// PE Capability, PE GET, PE SET, PE Subscribe, and PE Notify messages
// described in spec.md §3-4. It mirrors the shape of the teacher's
// smpp/pdu package: builders return a flat byte slice, parsers return a
// typed record or an error, and there is no panic path — a malformed
// frame is always a returned error, never a crash, matching smpp/pdu's
// contract of returning ErrUnmarshalPDUFailed rather than panicking.
package codec

import (
	"encoding/json"
	"fmt"

	"midici-pe-engine/ci"
)

// frameHeader writes the 6 fixed bytes common to every CI message:
// F0 7E <dev> 0D <type> <ver>, followed by source and destination MUID.
func frameHeader(msgType ci.MessageType, deviceID, version byte, src, dst ci.MUID) []byte {
	b := make([]byte, 0, 16)
	b = append(b, ci.SysExStart, ci.UniversalSubID1, deviceID, ci.MIDICISubID1, byte(msgType), version)
	s := encodeMUID(uint32(src))
	d := encodeMUID(uint32(dst))
	b = append(b, s[:]...)
	b = append(b, d[:]...)
	return b
}

func encodeIdentity(id ci.DeviceIdentity) []byte {
	var b []byte
	if id.Manufacturer.Extended() {
		b = append(b, 0x00, id.Manufacturer.Ext[0], id.Manufacturer.Ext[1])
	} else {
		b = append(b, id.Manufacturer.ID)
	}
	var fam, mod, ver [4]byte
	putUint7(fam[:2], uint32(id.FamilyID), 2)
	putUint7(mod[:2], uint32(id.ModelID), 2)
	putUint7(ver[:], id.VersionID, 4)
	b = append(b, fam[:2]...)
	b = append(b, mod[:2]...)
	b = append(b, ver[:]...)
	return b
}

func decodeIdentity(b []byte) (ci.DeviceIdentity, int, error) {
	if len(b) < 1 {
		return ci.DeviceIdentity{}, 0, fmt.Errorf("%w: truncated identity", ci.ErrMalformedReply)
	}
	var mfr ci.ManufacturerID
	consumed := 1
	if b[0] == 0x00 {
		if len(b) < 3 {
			return ci.DeviceIdentity{}, 0, fmt.Errorf("%w: truncated extended manufacturer id", ci.ErrMalformedReply)
		}
		mfr = ci.ExtendedManufacturerID(b[1], b[2])
		consumed = 3
	} else {
		mfr = ci.StandardManufacturerID(b[0])
	}
	rest := b[consumed:]
	if len(rest) < 8 {
		return ci.DeviceIdentity{}, 0, fmt.Errorf("%w: truncated identity tail", ci.ErrMalformedReply)
	}
	fam := getUint7(rest[0:2])
	mod := getUint7(rest[2:4])
	ver := getUint7(rest[4:8])
	return ci.DeviceIdentity{
		Manufacturer: mfr,
		FamilyID:     uint16(fam),
		ModelID:      uint16(mod),
		VersionID:    ver,
	}, consumed + 8, nil
}

// DiscoveryInquiry builds a Discovery Inquiry frame.
func DiscoveryInquiry(src ci.MUID, identity ci.DeviceIdentity, categorySupport ci.CategorySupport, maxSysEx uint32, outputPathID byte) []byte {
	b := frameHeader(ci.MsgDiscoveryInquiry, 0x7F, 2, src, ci.BroadcastMUID)
	b = append(b, encodeIdentity(identity)...)
	b = append(b, byte(categorySupport))
	var max [4]byte
	putUint7(max[:], maxSysEx, 4)
	b = append(b, max[:]...)
	b = append(b, outputPathID)
	b = append(b, ci.SysExEnd)
	return b
}

// DiscoveryReply builds a Discovery Reply frame.
func DiscoveryReply(src, dst ci.MUID, identity ci.DeviceIdentity, categorySupport ci.CategorySupport, maxSysEx uint32, outputPathID, functionBlock byte) []byte {
	b := frameHeader(ci.MsgDiscoveryReply, 0x7F, 2, src, dst)
	b = append(b, encodeIdentity(identity)...)
	b = append(b, byte(categorySupport))
	var max [4]byte
	putUint7(max[:], maxSysEx, 4)
	b = append(b, max[:]...)
	b = append(b, outputPathID, functionBlock)
	b = append(b, ci.SysExEnd)
	return b
}

// PECapabilityReply builds a PE Capability Reply frame.
func PECapabilityReply(src, dst ci.MUID, maxSimultaneous byte, verMajor, verMinor byte) []byte {
	b := frameHeader(ci.MsgPECapabilityReply, 0x7F, 2, src, dst)
	b = append(b, maxSimultaneous, verMajor, verMinor)
	b = append(b, ci.SysExEnd)
	return b
}

// PECapabilityInquiry builds a PE Capability Inquiry frame.
func PECapabilityInquiry(src, dst ci.MUID, maxSimultaneous byte) []byte {
	b := frameHeader(ci.MsgPECapabilityInq, 0x7F, 2, src, dst)
	b = append(b, maxSimultaneous)
	b = append(b, ci.SysExEnd)
	return b
}

// peEnvelope builds the common PE Request/Response Envelope payload
// shape described in spec.md §3: requestID, numChunks, chunkIndex,
// headerLength+header (chunk 1 only), bodyLength+body.
func peEnvelope(requestID byte, numChunks, chunkIndex uint32, header, body []byte) []byte {
	var b []byte
	b = append(b, requestID)

	nc := encodeUint21(numChunks)
	idx := encodeUint21(chunkIndex)
	b = append(b, nc[:]...)
	b = append(b, idx[:]...)

	if chunkIndex == 1 {
		packedHeader := Encode7Bit(header)
		hl := encodeUint21(uint32(len(header)))
		b = append(b, hl[:]...)
		b = append(b, packedHeader...)
	} else {
		hl := encodeUint21(0)
		b = append(b, hl[:]...)
	}

	packedBody := Encode7Bit(body)
	bl := encodeUint21(uint32(len(body)))
	b = append(b, bl[:]...)
	b = append(b, packedBody...)
	return b
}

// WholeDeviceID is the device-ID byte meaning "the whole device, not a
// specific channel" (spec.md §3's CI Message device-ID byte).
const WholeDeviceID byte = 0x7F

func buildPEFrame(msgType ci.MessageType, deviceID byte, src, dst ci.MUID, requestID byte, header, body []byte) []byte {
	b := frameHeader(msgType, deviceID, 2, src, dst)
	b = append(b, peEnvelope(requestID, 1, 1, header, body)...)
	b = append(b, ci.SysExEnd)
	return b
}

// MaxChunkBodyBytes bounds how many raw body bytes a single PE envelope
// chunk carries before buildPEFrames splits the body across multiple
// chunks (spec.md §3: "large headers and bodies are split into up to
// 65 535 chunks"). This is the outbound half of that invariant; the
// receiving side is Reassembler.
const MaxChunkBodyBytes = 512

// buildPEFrames is the chunking-aware sibling of buildPEFrame: a body
// no larger than MaxChunkBodyBytes yields the same single frame
// buildPEFrame would, but a larger body is split across multiple
// envelope chunks, each no more than MaxChunkBodyBytes of raw body.
// header rides on chunk 1 only — peEnvelope already drops it on
// subsequent chunks.
func buildPEFrames(msgType ci.MessageType, deviceID byte, src, dst ci.MUID, requestID byte, header, body []byte) [][]byte {
	if len(body) <= MaxChunkBodyBytes {
		return [][]byte{buildPEFrame(msgType, deviceID, src, dst, requestID, header, body)}
	}

	numChunks := (len(body) + MaxChunkBodyBytes - 1) / MaxChunkBodyBytes
	frames := make([][]byte, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := i * MaxChunkBodyBytes
		end := start + MaxChunkBodyBytes
		if end > len(body) {
			end = len(body)
		}
		b := frameHeader(msgType, deviceID, 2, src, dst)
		b = append(b, peEnvelope(requestID, uint32(numChunks), uint32(i+1), header, body[start:end])...)
		b = append(b, ci.SysExEnd)
		frames = append(frames, b)
	}
	return frames
}

// PEGetInquiry builds a single-chunk, whole-device PE GET Inquiry frame.
func PEGetInquiry(src, dst ci.MUID, requestID byte, header []byte) []byte {
	return buildPEFrame(ci.MsgPEGetInquiry, WholeDeviceID, src, dst, requestID, header, nil)
}

// PEGetInquiryOnChannel builds a channel-addressed PE GET Inquiry frame.
func PEGetInquiryOnChannel(channel byte, src, dst ci.MUID, requestID byte, header []byte) []byte {
	return buildPEFrame(ci.MsgPEGetInquiry, channel, src, dst, requestID, header, nil)
}

// PEGetReply builds a single-chunk PE GET Reply frame.
func PEGetReply(src, dst ci.MUID, requestID byte, header, body []byte) []byte {
	return buildPEFrame(ci.MsgPEGetReply, WholeDeviceID, src, dst, requestID, header, body)
}

// PEGetReplyFrames builds one or more PE GET Reply frames for body,
// splitting across envelope chunks once it exceeds MaxChunkBodyBytes —
// the outbound chunking path a responder uses when a resource's body
// is large, the send-side complement of Reassembler on receive.
func PEGetReplyFrames(src, dst ci.MUID, requestID byte, header, body []byte) [][]byte {
	return buildPEFrames(ci.MsgPEGetReply, WholeDeviceID, src, dst, requestID, header, body)
}

// PESetInquiry builds a single-chunk, whole-device PE SET Inquiry frame.
func PESetInquiry(src, dst ci.MUID, requestID byte, header, body []byte) []byte {
	return buildPEFrame(ci.MsgPESetInquiry, WholeDeviceID, src, dst, requestID, header, body)
}

// PESetInquiryFrames builds one or more whole-device PE SET Inquiry
// frames for body, splitting across envelope chunks once it exceeds
// MaxChunkBodyBytes — the outbound chunking path an initiator uses
// when sending a large SET body.
func PESetInquiryFrames(src, dst ci.MUID, requestID byte, header, body []byte) [][]byte {
	return buildPEFrames(ci.MsgPESetInquiry, WholeDeviceID, src, dst, requestID, header, body)
}

// PESetInquiryOnChannel builds a channel-addressed PE SET Inquiry frame.
func PESetInquiryOnChannel(channel byte, src, dst ci.MUID, requestID byte, header, body []byte) []byte {
	return buildPEFrame(ci.MsgPESetInquiry, channel, src, dst, requestID, header, body)
}

// PESetInquiryOnChannelFrames is PESetInquiryFrames addressed to a
// specific MIDI channel instead of the whole device.
func PESetInquiryOnChannelFrames(channel byte, src, dst ci.MUID, requestID byte, header, body []byte) [][]byte {
	return buildPEFrames(ci.MsgPESetInquiry, channel, src, dst, requestID, header, body)
}

// PESetReply builds a single-chunk PE SET Reply frame.
func PESetReply(src, dst ci.MUID, requestID byte, header []byte) []byte {
	return buildPEFrame(ci.MsgPESetReply, WholeDeviceID, src, dst, requestID, header, nil)
}

// PESubscribeInquiry builds a single-chunk PE Subscribe Inquiry frame.
func PESubscribeInquiry(src, dst ci.MUID, requestID byte, header []byte) []byte {
	return buildPEFrame(ci.MsgPESubscribeInq, WholeDeviceID, src, dst, requestID, header, nil)
}

// PESubscribeReply builds a single-chunk PE Subscribe Reply frame.
func PESubscribeReply(src, dst ci.MUID, requestID byte, header []byte) []byte {
	return buildPEFrame(ci.MsgPESubscribeReply, WholeDeviceID, src, dst, requestID, header, nil)
}

// PENotify builds a single-chunk PE Notify frame. Notify carries no
// request ID correlation (fire-and-forget, spec.md §9), so requestID is
// conventionally 0 and never tracked by a pending-request table.
func PENotify(src, dst ci.MUID, header, body []byte) []byte {
	return buildPEFrame(ci.MsgPENotify, WholeDeviceID, src, dst, 0, header, body)
}

// ---- Parsing ----

// ParsedMessage is the minimal record every incoming frame decodes to
// before type-specific parsing continues.
type ParsedMessage struct {
	Type          ci.MessageType
	Source        ci.MUID
	Destination   ci.MUID
	DeviceID      byte
	Version       byte
	RemainderFrom int // offset of the type-specific payload
}

// Parse recognizes the common CI framing and returns the envelope
// fields plus where the type-specific payload begins. It returns
// (ParsedMessage{}, false) — never an error — on bad framing, per spec.md §4.1:
// "parse returns none on bad framing... it MUST NOT throw."
func Parse(b []byte) (ParsedMessage, bool) {
	if len(b) < 14 {
		return ParsedMessage{}, false
	}
	if b[0] != ci.SysExStart || b[1] != ci.UniversalSubID1 || b[3] != ci.MIDICISubID1 {
		return ParsedMessage{}, false
	}
	if b[len(b)-1] != ci.SysExEnd {
		return ParsedMessage{}, false
	}
	msgType := ci.MessageType(b[4])
	version := b[5]
	src := decodeMUID(b[6:10])
	dst := decodeMUID(b[10:14])
	return ParsedMessage{
		Type:          msgType,
		Source:        ci.MUID(src),
		Destination:   ci.MUID(dst),
		DeviceID:      b[2],
		Version:       version,
		RemainderFrom: 14,
	}, true
}

// FullPEInquiry is the fully-typed record returned by
// ParseFullPEGetInquiry / ParseFullPESetInquiry / ParseFullPESubscribeInquiry.
type FullPEInquiry struct {
	SourceMUID   ci.MUID
	RequestID    byte
	HeaderData   []byte
	PropertyData []byte
	Resource     string
	Command      string // set only by ParseFullPESubscribeInquiry
	SubscribeID  string // set only by ParseFullPESubscribeInquiry, when present
	Complete     bool   // false while a multi-chunk envelope is still reassembling
}

// parsePEEnvelope decodes the common envelope fields from the
// type-specific remainder of a frame (everything between the
// destination MUID and the trailing F7).
func parsePEEnvelope(payload []byte) (requestID byte, numChunks, chunkIndex uint32, header, body []byte, err error) {
	if len(payload) < 1+3+3+3 {
		return 0, 0, 0, nil, nil, fmt.Errorf("%w: truncated pe envelope", ci.ErrMalformedReply)
	}
	requestID = payload[0]
	off := 1
	numChunks = decodeUint21(payload[off : off+3])
	off += 3
	chunkIndex = decodeUint21(payload[off : off+3])
	off += 3
	headerLen := decodeUint21(payload[off : off+3])
	off += 3

	packedHeaderLen := packedLen(int(headerLen))
	if off+packedHeaderLen > len(payload) {
		return 0, 0, 0, nil, nil, fmt.Errorf("%w: truncated pe header", ci.ErrMalformedReply)
	}
	header = Decode7Bit(payload[off : off+packedHeaderLen])
	if len(header) > int(headerLen) {
		header = header[:headerLen]
	}
	off += packedHeaderLen

	if off+3 > len(payload) {
		return 0, 0, 0, nil, nil, fmt.Errorf("%w: truncated pe body length", ci.ErrMalformedReply)
	}
	bodyLen := decodeUint21(payload[off : off+3])
	off += 3

	packedBodyLen := packedLen(int(bodyLen))
	if off+packedBodyLen > len(payload) {
		return 0, 0, 0, nil, nil, fmt.Errorf("%w: truncated pe body", ci.ErrMalformedReply)
	}
	body = Decode7Bit(payload[off : off+packedBodyLen])
	if len(body) > int(bodyLen) {
		body = body[:bodyLen]
	}

	return requestID, numChunks, chunkIndex, header, body, nil
}

// packedLen returns the number of 7-bit-packed bytes Encode7Bit produces
// for n raw bytes.
func packedLen(n int) int {
	if n == 0 {
		return 0
	}
	full := n / 7
	rem := n % 7
	total := full * 8
	if rem > 0 {
		total += rem + 1
	}
	return total
}

// ParseFullPEGetInquiry parses a (possibly one chunk of a multi-chunk)
// PE GET Inquiry frame, reassembling via re if needed.
func ParseFullPEGetInquiry(b []byte, re *Reassembler) (FullPEInquiry, error) {
	return parseFullPEInquiry(b, ci.MsgPEGetInquiry, re)
}

// ParseFullPESetInquiry parses a PE SET Inquiry frame.
func ParseFullPESetInquiry(b []byte, re *Reassembler) (FullPEInquiry, error) {
	return parseFullPEInquiry(b, ci.MsgPESetInquiry, re)
}

// ParseFullPESubscribeInquiry parses a PE Subscribe Inquiry frame,
// additionally surfacing Command and SubscribeID.
func ParseFullPESubscribeInquiry(b []byte, re *Reassembler) (FullPEInquiry, error) {
	return parseFullPEInquiry(b, ci.MsgPESubscribeInq, re)
}

func parseFullPEInquiry(b []byte, want ci.MessageType, re *Reassembler) (FullPEInquiry, error) {
	pm, ok := Parse(b)
	if !ok {
		return FullPEInquiry{}, fmt.Errorf("%w: bad framing", ci.ErrMalformedReply)
	}
	if pm.Type != want {
		return FullPEInquiry{}, fmt.Errorf("%w: unexpected message type %#x", ci.ErrMalformedReply, byte(pm.Type))
	}
	payload := b[pm.RemainderFrom : len(b)-1]
	requestID, numChunks, chunkIndex, header, body, err := parsePEEnvelope(payload)
	if err != nil {
		return FullPEInquiry{}, err
	}

	var outHeader, outBody []byte
	complete := true
	if re != nil {
		outHeader, outBody, complete = re.Feed(uint32(pm.Source), requestID, numChunks, chunkIndex, header, body)
	} else {
		outHeader, outBody = header, body
	}

	result := FullPEInquiry{
		SourceMUID:   pm.Source,
		RequestID:    requestID,
		HeaderData:   outHeader,
		PropertyData: outBody,
		Complete:     complete,
	}
	if !complete {
		return result, nil
	}
	if !validateHeaderUTF8(outHeader) {
		return FullPEInquiry{}, fmt.Errorf("%w: header is not valid utf-8", ci.ErrMalformedReply)
	}

	var rh RequestHeader
	if len(outHeader) > 0 {
		if err := json.Unmarshal(outHeader, &rh); err != nil {
			return FullPEInquiry{}, fmt.Errorf("%w: header json: %v", ci.ErrMalformedReply, err)
		}
	}
	result.Resource = rh.Resource
	result.Command = rh.Command
	result.SubscribeID = rh.SubscribeID
	return result, nil
}

// FullPEReply is the fully-typed record for a PE GET/SET/Subscribe Reply
// or a PE Notify.
type FullPEReply struct {
	SourceMUID  ci.MUID
	RequestID   byte
	Header      ResponseHeader
	Body        []byte
	Complete    bool
}

// ParseFullPEReply parses any PE Reply frame (GET, SET, Subscribe) or a
// PE Notify, reassembling multi-chunk envelopes via re.
func ParseFullPEReply(b []byte, re *Reassembler) (FullPEReply, error) {
	pm, ok := Parse(b)
	if !ok {
		return FullPEReply{}, fmt.Errorf("%w: bad framing", ci.ErrMalformedReply)
	}
	switch pm.Type {
	case ci.MsgPEGetReply, ci.MsgPESetReply, ci.MsgPESubscribeReply, ci.MsgPENotify:
	default:
		return FullPEReply{}, fmt.Errorf("%w: unexpected message type %#x", ci.ErrMalformedReply, byte(pm.Type))
	}

	payload := b[pm.RemainderFrom : len(b)-1]
	requestID, numChunks, chunkIndex, header, body, err := parsePEEnvelope(payload)
	if err != nil {
		return FullPEReply{}, err
	}

	var outHeader, outBody []byte
	complete := true
	if re != nil {
		outHeader, outBody, complete = re.Feed(uint32(pm.Source), requestID, numChunks, chunkIndex, header, body)
	} else {
		outHeader, outBody = header, body
	}

	result := FullPEReply{SourceMUID: pm.Source, RequestID: requestID, Body: outBody, Complete: complete}
	if !complete {
		return result, nil
	}
	if !validateHeaderUTF8(outHeader) {
		return FullPEReply{}, fmt.Errorf("%w: header is not valid utf-8", ci.ErrMalformedReply)
	}
	if len(outHeader) > 0 {
		if err := json.Unmarshal(outHeader, &result.Header); err != nil {
			return FullPEReply{}, fmt.Errorf("%w: header json: %v", ci.ErrMalformedReply, err)
		}
	}
	return result, nil
}

// ParsePECapabilityReply parses a PE Capability Reply frame.
func ParsePECapabilityReply(b []byte) (maxSimultaneous, verMajor, verMinor byte, err error) {
	pm, ok := Parse(b)
	if !ok || pm.Type != ci.MsgPECapabilityReply {
		return 0, 0, 0, fmt.Errorf("%w: not a pe capability reply", ci.ErrMalformedReply)
	}
	payload := b[pm.RemainderFrom : len(b)-1]
	if len(payload) < 3 {
		return 0, 0, 0, fmt.Errorf("%w: truncated pe capability reply", ci.ErrMalformedReply)
	}
	return payload[0], payload[1], payload[2], nil
}

// ParsedDiscovery is the record returned by ParseDiscoveryInquiry and
// ParseDiscoveryReply.
type ParsedDiscovery struct {
	Source          ci.MUID
	Destination     ci.MUID
	Identity        ci.DeviceIdentity
	CategorySupport ci.CategorySupport
	MaxSysEx        uint32
	OutputPathID    byte
	FunctionBlock   byte // Discovery Reply only
}

// ParseDiscoveryInquiry parses a Discovery Inquiry frame.
func ParseDiscoveryInquiry(b []byte) (ParsedDiscovery, error) {
	pm, ok := Parse(b)
	if !ok || pm.Type != ci.MsgDiscoveryInquiry {
		return ParsedDiscovery{}, fmt.Errorf("%w: not a discovery inquiry", ci.ErrMalformedReply)
	}
	payload := b[pm.RemainderFrom : len(b)-1]
	identity, n, err := decodeIdentity(payload)
	if err != nil {
		return ParsedDiscovery{}, err
	}
	rest := payload[n:]
	if len(rest) < 6 {
		return ParsedDiscovery{}, fmt.Errorf("%w: truncated discovery inquiry", ci.ErrMalformedReply)
	}
	cat := ci.CategorySupport(rest[0])
	maxSysEx := getUint7(rest[1:5])
	outputPathID := rest[5]
	return ParsedDiscovery{
		Source:          pm.Source,
		Destination:     pm.Destination,
		Identity:        identity,
		CategorySupport: cat,
		MaxSysEx:        maxSysEx,
		OutputPathID:    outputPathID,
	}, nil
}

// ParseDiscoveryReply parses a Discovery Reply frame.
func ParseDiscoveryReply(b []byte) (ParsedDiscovery, error) {
	pm, ok := Parse(b)
	if !ok || pm.Type != ci.MsgDiscoveryReply {
		return ParsedDiscovery{}, fmt.Errorf("%w: not a discovery reply", ci.ErrMalformedReply)
	}
	payload := b[pm.RemainderFrom : len(b)-1]
	identity, n, err := decodeIdentity(payload)
	if err != nil {
		return ParsedDiscovery{}, err
	}
	rest := payload[n:]
	if len(rest) < 7 {
		return ParsedDiscovery{}, fmt.Errorf("%w: truncated discovery reply", ci.ErrMalformedReply)
	}
	cat := ci.CategorySupport(rest[0])
	maxSysEx := getUint7(rest[1:5])
	outputPathID := rest[5]
	functionBlock := rest[6]
	return ParsedDiscovery{
		Source:          pm.Source,
		Destination:     pm.Destination,
		Identity:        identity,
		CategorySupport: cat,
		MaxSysEx:        maxSysEx,
		OutputPathID:    outputPathID,
		FunctionBlock:   functionBlock,
	}, nil
}
