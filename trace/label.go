package trace

import "midici-pe-engine/ci"

// DetectLabel inspects CI framing bytes and returns a short human label
// for common messages, the way the teacher's router tags inbound PDUs
// by command ID before logging them (router.go's switch on m.Type).
// Unrecognized or malformed frames return "".
func DetectLabel(b []byte) string {
	if len(b) < 5 || b[0] != ci.SysExStart || b[1] != ci.UniversalSubID1 {
		return ""
	}
	switch ci.MessageType(b[4]) {
	case ci.MsgDiscoveryInquiry:
		return "Discovery Inquiry"
	case ci.MsgDiscoveryReply:
		return "Discovery Reply"
	case ci.MsgInvalidateMUID:
		return "Invalidate MUID"
	case ci.MsgNAK:
		return "NAK"
	case ci.MsgPECapabilityInq:
		return "PE Capability Inquiry"
	case ci.MsgPECapabilityReply:
		return "PE Capability Reply"
	case ci.MsgPEGetInquiry:
		return "PE GET Inquiry"
	case ci.MsgPEGetReply:
		return "PE GET Reply"
	case ci.MsgPESetInquiry:
		return "PE SET Inquiry"
	case ci.MsgPESetReply:
		return "PE SET Reply"
	case ci.MsgPESubscribeInq:
		return "PE Subscribe Inquiry"
	case ci.MsgPESubscribeReply:
		return "PE Subscribe Reply"
	case ci.MsgPENotify:
		return "PE Notify"
	default:
		return ""
	}
}
