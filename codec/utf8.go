package codec

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// validateHeaderUTF8 runs b, a PE header after 7-bit unpacking, through
// a UTF-8 validating transformer. The teacher has no precedent
// for this particular library — its own GSM-7/UCS-2 handling
// (smpp_gsm7.go, smpp/coding/splitter.go) is hand-rolled against the
// standard library only, and golang.org/x/text sits unused in its
// go.mod. It is reached for here on its own merits, as the standard
// library has no validating UTF-8 transformer that reports the first
// decode error rather than silently substituting U+FFFD. It returns
// false if b is not well-formed UTF-8 — the case the full PE parsers
// reject as a malformed reply rather than hand garbage to a handler.
func validateHeaderUTF8(b []byte) bool {
	_, _, err := transform.Bytes(encoding.UTF8Validator, b)
	return err == nil
}
