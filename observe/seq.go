package observe

// seqModulus is 2^24, the Observe option's wraparound bound (RFC 7641 §3.4, spec §4.5).
const seqModulus = 1 << 24

// NextSeq computes (seq + 1) mod 2^24 (spec §4.5 step 3).
func NextSeq(seq uint32) uint32 {
	return (seq + 1) % seqModulus
}

// IsFresh implements the RFC 7641 §3.4 ordering predicate: v1 is
// considered fresher than v2 if v1 > v2 and v1-v2 < 2^23, or v2 > v1
// and v2-v1 > 2^23 (the wraparound case). Spec §4.5 "Freshness rule".
func IsFresh(v1, v2 uint32) bool {
	return (v1 > v2 && v1-v2 < (1<<23)) || (v2 > v1 && v2-v1 > (1<<23))
}
