package evaluate

import (
	"sync"

	"github.com/ligun0805/strike-cluster/internal/events"
)

// Filter is the listener's cheap go/no-go on a raw event.
type Filter interface {
	Match(ev events.Event) bool
}

// KindFilter passes events of the allowed kinds. With MinBlockGap set, an
// event is passed only if its block is at least MinBlockGap past the last
// passed one; events without a block number are never throttled.
type KindFilter struct {
	Kinds       []events.Kind
	MinBlockGap uint64

	mu   sync.Mutex
	last uint64
}

func (f *KindFilter) Match(ev events.Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.MinBlockGap == 0 || ev.Block == 0 {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last != 0 && ev.Block < f.last+f.MinBlockGap {
		return false
	}
	f.last = ev.Block
	return true
}
