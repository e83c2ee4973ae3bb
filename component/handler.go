package component

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/krishna-esrlabs/flux-mcf/valuestore"
)

// HandlerFunc is the signature of trigger and value handlers. Returning an
// error aborts the component.
type HandlerFunc func(ctx context.Context) error

// HandlerStats is a snapshot of the timing of one handler
type HandlerStats struct {
	Name  string        `json:"name"`
	Calls uint64        `json:"calls"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
	Last  time.Duration `json:"last"`
}

// Mean returns the average handler duration
func (s HandlerStats) Mean() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Calls)
}

type handler struct {
	name string
	fn   HandlerFunc

	// set for value handlers only
	queue *valuestore.Queue
	event *valuestore.Event

	mu    sync.Mutex
	stats HandlerStats
}

func (h *handler) record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.Calls++
	h.stats.Total += d
	h.stats.Last = d
	if d > h.stats.Max {
		h.stats.Max = d
	}
}

func (h *handler) snapshot() HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stats
	s.Name = h.name
	return s
}

func (h *handler) call(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler %s: %v\n%s", h.name, r, debug.Stack())
		}
	}()
	return h.fn(ctx)
}
