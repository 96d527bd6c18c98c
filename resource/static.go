package resource

// Static is a fixed-bytes resource: Get always returns the same
// payload, Set always fails with ErrReadOnly.
type Static struct {
	Name string
	Data []byte
}

// NewStatic builds a Static resource.
func NewStatic(name string, data []byte) *Static {
	return &Static{Name: name, Data: append([]byte(nil), data...)}
}

func (s *Static) Get(Header) ([]byte, error) {
	return append([]byte(nil), s.Data...), nil
}

func (s *Static) Set(Header, []byte) ([]byte, error) {
	return nil, ErrReadOnly
}

func (s *Static) SupportsSubscription() bool { return false }

func (s *Static) ResponseHeader(h Header, body []byte) []byte {
	return defaultResponseHeader(h, body)
}
