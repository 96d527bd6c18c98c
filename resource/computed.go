package resource

// GetFunc and SetFunc are the user-supplied callables behind a Computed
// resource.
type GetFunc func(header Header) ([]byte, error)
type SetFunc func(header Header, body []byte) ([]byte, error)

// Computed wraps user-provided get/set callables. A nil SetFunc makes
// the resource read-only, per spec.md §4.4 ("absent SET handler ⇒
// read-only").
type Computed struct {
	Name               string
	GetHandler         GetFunc
	SetHandler         SetFunc
	Subscribable       bool
	ResponseHeaderFunc func(header Header, body []byte) []byte
}

func (c *Computed) Get(h Header) ([]byte, error) {
	if c.GetHandler == nil {
		return nil, ErrReadOnly
	}
	return c.GetHandler(h)
}

func (c *Computed) Set(h Header, body []byte) ([]byte, error) {
	if c.SetHandler == nil {
		return nil, ErrReadOnly
	}
	return c.SetHandler(h, body)
}

func (c *Computed) SupportsSubscription() bool { return c.Subscribable }

func (c *Computed) ResponseHeader(h Header, body []byte) []byte {
	if c.ResponseHeaderFunc != nil {
		return c.ResponseHeaderFunc(h, body)
	}
	return defaultResponseHeader(h, body)
}
