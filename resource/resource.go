// Package resource implements the Responder-side resource variants from
// spec.md §3-4.4: static, in-memory, computed, and list. Each variant is
// a small mutex-guarded state container, the same shape the teacher
// gives Gateway.Clients / Gateway.Numbers in clients.go: a map or value
// behind a sync.RWMutex with copy-on-read semantics, not a lock-free
// structure.
package resource

import (
	"midici-pe-engine/ci"
	"midici-pe-engine/codec"
)

// Header is the decoded PE request header a GET/SET handler receives.
type Header = codec.RequestHeader

// Resource is the dynamic-dispatch contract spec.md §6 requires of
// every registered resource: get, set, subscription support, and a
// response-header builder.
type Resource interface {
	Get(header Header) ([]byte, error)
	Set(header Header, body []byte) ([]byte, error)
	SupportsSubscription() bool
	ResponseHeader(header Header, body []byte) []byte
}

// ErrReadOnly is returned by Set on a resource that does not accept
// writes; responder maps it to a 405 PE status per spec.md §4.4.
var ErrReadOnly = ci.ErrReadOnly

// defaultResponseHeader implements the default ResponseHeader contract
// from spec.md §6: `{"status":200}`.
func defaultResponseHeader(Header, []byte) []byte {
	return codec.SuccessResponseHeader()
}
