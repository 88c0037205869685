// Package segment turns recognition events into speaker-attributed display
// segments and allocates their ids.
package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator allocates segment ids of the form "<sessionId>-seg-<n>".
// The counter is shared across sessions so ids are unique process wide.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next(sessionID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-seg-%d", sessionID, n)
}
