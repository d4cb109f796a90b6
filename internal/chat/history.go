package chat

// history is the ordered message log of one room. It is not safe for
// concurrent use; Store guards it.
type history struct {
	items []Message
	limit int // 0 keeps everything
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

// add appends msg. With a positive limit the oldest entries are dropped once
// the log grows past it.
func (h *history) add(msg Message) {
	h.items = append(h.items, msg)
	if h.limit > 0 && len(h.items) > h.limit {
		excess := len(h.items) - h.limit
		kept := make([]Message, h.limit, h.limit+1)
		copy(kept, h.items[excess:])
		h.items = kept
	}
}

// snapshot returns a copy of the log in arrival order. It is never nil.
func (h *history) snapshot() []Message {
	out := make([]Message, len(h.items))
	copy(out, h.items)
	return out
}

func (h *history) len() int {
	return len(h.items)
}
