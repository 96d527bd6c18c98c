package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncode7BitRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0x7F},
		{0x80, 0x81, 0xFF},
		[]byte("hello, CI"),
		bytes.Repeat([]byte{0xAA}, 49),
	}
	for _, c := range cases {
		packed := Encode7Bit(c)
		for _, b := range packed {
			require.LessOrEqual(t, b, byte(0x7F))
		}
		got := Decode7Bit(packed)
		require.Equal(t, c, got)
	}
}

func TestEncode7BitGroupShape(t *testing.T) {
	// 7 input bytes pack into exactly 8 output bytes.
	in := []byte{1, 2, 3, 4, 5, 6, 7}
	require.Len(t, Encode7Bit(in), 8)
}
