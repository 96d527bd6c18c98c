package resource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticIsReadOnly(t *testing.T) {
	s := NewStatic("DeviceInfo", []byte(`{"model":"Module Pro"}`))
	data, err := s.Get(Header{})
	require.NoError(t, err)
	require.JSONEq(t, `{"model":"Module Pro"}`, string(data))

	_, err = s.Set(Header{}, []byte("x"))
	require.ErrorIs(t, err, ErrReadOnly)
	require.False(t, s.SupportsSubscription())
}

func TestMemoryGetSetUpdate(t *testing.T) {
	m := NewMemory("Volume", []byte(`{"level":10}`))
	data, _ := m.Get(Header{})
	require.JSONEq(t, `{"level":10}`, string(data))

	_, err := m.Set(Header{}, []byte(`{"level":50}`))
	require.NoError(t, err)
	data, _ = m.Get(Header{})
	require.JSONEq(t, `{"level":50}`, string(data))

	m.Update([]byte(`{"level":99}`))
	data, _ = m.Get(Header{})
	require.JSONEq(t, `{"level":99}`, string(data))
	require.True(t, m.SupportsSubscription())
}

func TestComputedWithoutSetHandlerIsReadOnly(t *testing.T) {
	c := &Computed{
		Name:       "Clock",
		GetHandler: func(Header) ([]byte, error) { return []byte("tick"), nil },
	}
	data, err := c.Get(Header{})
	require.NoError(t, err)
	require.Equal(t, "tick", string(data))

	_, err = c.Set(Header{}, nil)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestListOffsetLimitAndMutation(t *testing.T) {
	l := NewList[string]("Names", []string{"a", "b", "c", "d"})

	offset, limit := 1, 2
	data, err := l.Get(Header{Offset: &offset, Limit: &limit})
	require.NoError(t, err)
	require.JSONEq(t, `["b","c"]`, string(data))

	l.Append("e")
	require.Equal(t, 5, l.Len())

	_, err = l.Set(Header{}, []byte(`["x","y"]`))
	require.NoError(t, err)
	require.Equal(t, 2, l.Len())

	l.RemoveAll()
	require.Equal(t, 0, l.Len())
}
