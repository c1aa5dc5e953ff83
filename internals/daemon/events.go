// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package daemon

import (
	"sync"

	"github.com/canonical/dreamboot/internals/bootmgr"
	"github.com/canonical/dreamboot/internals/logger"
)

const subscriberBuffer = 64

// eventHub fans operation events out to the connected subscribers. Slow
// subscribers lose events rather than stall operations.
type eventHub struct {
	mu     sync.Mutex
	subs   map[chan bootmgr.Event]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan bootmgr.Event]struct{})}
}

func (h *eventHub) publish(ev bootmgr.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logger.Debugf("Event subscriber too slow, dropping %s event of %s.", ev.Type, ev.ID)
		}
	}
}

// subscribe returns a channel of events, closed when unsubscribe is called
// or the hub is closed.
func (h *eventHub) subscribe() (events <-chan bootmgr.Event, unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan bootmgr.Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
