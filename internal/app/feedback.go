package app

import (
	"io"
	"sync"
)

// BellFeedback rings the terminal bell, the CLI's stand-in for haptics.
type BellFeedback struct {
	mu sync.Mutex
	w  io.Writer
}

func NewBellFeedback(w io.Writer) *BellFeedback {
	return &BellFeedback{w: w}
}

// Impact writes a BEL character. Write errors are ignored.
func (f *BellFeedback) Impact() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = f.w.Write([]byte{'\a'})
}
