package session

// The wire carries only the low 16 bits of the 64 bit session block
// counter, so firmware images beyond the classic 32 MiB exhaustion
// point transfer transparently.

// reconstructBlock maps a wire block number to the full counter value
// nearest to ref : the returned value v satisfies v % 2^16 == wire and
// |v - ref| <= 2^15. Values that cannot be represented (which would be
// negative) keep the in-epoch candidate; the caller's window check
// rejects them.
func reconstructBlock(ref uint64, wire uint16) uint64 {
	cand := int64(ref&^0xFFFF) | int64(wire)
	diff := cand - int64(ref)
	if diff > 0x8000 {
		if cand >= 0x10000 {
			cand -= 0x10000
		}
	} else if diff < -0x8000 {
		cand += 0x10000
	}
	return uint64(cand)
}
