package streamtail

// cursorRing is the FIFO rotation of outstanding cursors, one per open shard.
type cursorRing struct {
	cursors []Cursor
}

func newCursorRing(cursors []Cursor) *cursorRing {
	r := &cursorRing{cursors: make([]Cursor, 0, len(cursors))}
	r.cursors = append(r.cursors, cursors...)
	return r
}

func (r *cursorRing) Len() int {
	return len(r.cursors)
}

// Pop removes the cursor at the front.
func (r *cursorRing) Pop() (Cursor, bool) {
	if len(r.cursors) == 0 {
		return Cursor{}, false
	}
	c := r.cursors[0]
	r.cursors = r.cursors[1:]
	return c, true
}

// Push appends a cursor at the back.
func (r *cursorRing) Push(c Cursor) {
	r.cursors = append(r.cursors, c)
}

// Restore puts an unconsumed cursor back at the front.
func (r *cursorRing) Restore(c Cursor) {
	r.cursors = append([]Cursor{c}, r.cursors...)
}

// Snapshot copies the ring front to back.
func (r *cursorRing) Snapshot() []Cursor {
	out := make([]Cursor, len(r.cursors))
	copy(out, r.cursors)
	return out
}
