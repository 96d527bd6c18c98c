package codec

import "encoding/json"

// PE Response Envelope headers always carry at least "status"; these
// helpers build the small fixed shapes spec.md §4.1 names explicitly.
// They return raw UTF-8 JSON bytes; callers 7-bit pack them via
// Encode7Bit as part of frame assembly.

// ResponseHeader is the generic shape every PE reply header decodes
// into; header fields not listed here are dropped on decode.
type ResponseHeader struct {
	Status         int    `json:"status"`
	Message        string `json:"message,omitempty"`
	Resource       string `json:"resource,omitempty"`
	ResID          string `json:"resId,omitempty"`
	Offset         *int   `json:"offset,omitempty"`
	Limit          *int   `json:"limit,omitempty"`
	TotalCount     *int   `json:"totalCount,omitempty"`
	MutualEncoding string `json:"mutualEncoding,omitempty"`
	SubscribeID    string `json:"subscribeId,omitempty"`
	Command        string `json:"command,omitempty"`
}

// RequestHeader is the shape a PE GET/SET/Subscribe Inquiry header
// decodes into.
type RequestHeader struct {
	Resource    string `json:"resource"`
	ResID       string `json:"resId,omitempty"`
	Offset      *int   `json:"offset,omitempty"`
	Limit       *int   `json:"limit,omitempty"`
	Command     string `json:"command,omitempty"`
	SubscribeID string `json:"subscribeId,omitempty"`
}

// SuccessResponseHeader returns `{"status":200}`.
func SuccessResponseHeader() []byte {
	b, _ := json.Marshal(ResponseHeader{Status: 200})
	return b
}

// ErrorResponseHeader returns `{"status":<status>,"message":"<message>"}`.
func ErrorResponseHeader(status int, message string) []byte {
	b, _ := json.Marshal(ResponseHeader{Status: status, Message: message})
	return b
}

// NotifyHeader returns `{"status":200,"subscribeId":"...","resource":"..."}`.
func NotifyHeader(subscribeID, resource string) []byte {
	b, _ := json.Marshal(ResponseHeader{Status: 200, SubscribeID: subscribeID, Resource: resource})
	return b
}

// SubscribeResponseHeader returns `{"status":<status>,"subscribeId":"..."}`.
func SubscribeResponseHeader(status int, subscribeID string) []byte {
	b, _ := json.Marshal(ResponseHeader{Status: status, SubscribeID: subscribeID})
	return b
}

// RequestHeaderFor builds the header JSON for a GET/SET inquiry naming
// a resource.
func RequestHeaderFor(resource string) []byte {
	b, _ := json.Marshal(RequestHeader{Resource: resource})
	return b
}

// SubscribeRequestHeader builds the header JSON for a Subscribe
// inquiry: command is "start", "end", or "notify".
func SubscribeRequestHeader(resource, command, subscribeID string) []byte {
	b, _ := json.Marshal(RequestHeader{Resource: resource, Command: command, SubscribeID: subscribeID})
	return b
}
