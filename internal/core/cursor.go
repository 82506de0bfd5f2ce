package core

// SeqStatus classifies an incoming ledger sequence against the cursor.
type SeqStatus int32

const (
	// SeqNext is the expected contiguous sequence.
	SeqNext SeqStatus = iota
	// SeqStale precedes the cursor: either a harmless re-delivery or,
	// when the idempotency layer has no record of it, a conflicting
	// duplicate.
	SeqStale
	// SeqGap skips ahead of the cursor.
	SeqGap
)

// CursorTracker follows the ledger stream's monotonic sequence.
// The cursor is the last fully applied sequence; durability of the
// cursor belongs to the host.
// Not thread-safe; only accessed from the single-threaded core.
type CursorTracker struct {
	cursor int64

	staleCount int64
	gapCount   int64
}

// NewCursorTracker starts from the host-supplied cursor.
func NewCursorTracker(cursor int64) *CursorTracker {
	return &CursorTracker{cursor: cursor}
}

// Check classifies a sequence without advancing.
func (ct *CursorTracker) Check(sequence int64) SeqStatus {
	switch {
	case sequence <= ct.cursor:
		ct.staleCount++
		return SeqStale
	case sequence == ct.cursor+1:
		return SeqNext
	default:
		ct.gapCount++
		return SeqGap
	}
}

// Advance moves the cursor after an event fully applied.
func (ct *CursorTracker) Advance(sequence int64) {
	ct.cursor = sequence
}

// Cursor returns the last fully applied sequence.
func (ct *CursorTracker) Cursor() int64 {
	return ct.cursor
}

// SetCursor re-positions the tracker during restore.
func (ct *CursorTracker) SetCursor(sequence int64) {
	ct.cursor = sequence
}

// Stats returns (stale, gap) observation counts.
func (ct *CursorTracker) Stats() (int64, int64) {
	return ct.staleCount, ct.gapCount
}
