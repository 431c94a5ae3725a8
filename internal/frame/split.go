package frame

// Split cuts b into ordered sub-slices of at most limit bytes. The chunks alias b. A buffer of
// limit bytes or less, including an empty one, yields a single chunk.
func Split(b []byte, limit int) [][]byte {
	if limit <= 0 {
		panic("frame: non-positive split limit")
	}
	if len(b) <= limit {
		return [][]byte{b}
	}
	chunks := make([][]byte, 0, (len(b)+limit-1)/limit)
	for len(b) > limit {
		chunks = append(chunks, b[:limit:limit])
		b = b[limit:]
	}
	return append(chunks, b)
}
