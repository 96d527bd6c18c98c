package codec

// sevenbit.go implements the MIDI packed-7-bit-data scheme used to make
// arbitrary byte payloads (PE header JSON, property bodies) safe to ride
// inside a SysEx frame, where every byte must be <= 0x7F. It plays the
// same role as smpp/coding/splitter.go's Splitter: a small, pure,
// table-free transform with no dependency on the rest of the codec.

// Encode7Bit packs groups of up to 7 source bytes into 8 output bytes: a
// leading byte whose low 7 bits carry the MSB (bit 7) of each of the
// following up to 7 bytes, then those 7 bytes with their MSB cleared.
func Encode7Bit(src []byte) []byte {
	out := make([]byte, 0, len(src)+len(src)/7+1)
	for i := 0; i < len(src); i += 7 {
		end := i + 7
		if end > len(src) {
			end = len(src)
		}
		group := src[i:end]

		var msbs byte
		for j, b := range group {
			if b&0x80 != 0 {
				msbs |= 1 << uint(j)
			}
		}
		out = append(out, msbs)
		for _, b := range group {
			out = append(out, b&0x7F)
		}
	}
	return out
}

// Decode7Bit is the exact inverse of Encode7Bit. Malformed input (a
// trailing group with no data bytes following the MSB byte) is treated
// leniently: it simply contributes no output bytes.
func Decode7Bit(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i += 8 {
		msbs := src[i]
		end := i + 8
		if end > len(src) {
			end = len(src)
		}
		group := src[i+1 : end]
		for j, b := range group {
			if msbs&(1<<uint(j)) != 0 {
				b |= 0x80
			}
			out = append(out, b)
		}
	}
	return out
}
