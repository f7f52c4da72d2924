package memplan

// Grantor resolves pool-relative offsets into concrete byte views of one
// buffer. It is a pure mapping bound to a single pool base: the planner
// creates one per call for the scratch buffer (temporary pool) and one per
// cached constant buffer (persistent pool). It never owns memory.
type Grantor struct {
	base []byte
}

// Get returns the size bytes at offset within the pool.
func (g Grantor) Get(offset, size int64) []byte {
	return g.base[offset : offset+size : offset+size]
}

// Capacity returns the size of the bound pool.
func (g Grantor) Capacity() int64 { return int64(len(g.base)) }
