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
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canonical/dreamboot/internals/logger"
)

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 5 * time.Second,
}

func v1GetEvents(c *Command, r *http.Request) Response {
	return eventsResponse{hub: c.d.events}
}

// eventsResponse streams operation events as JSON text messages until the
// client goes away or the daemon stops.
type eventsResponse struct {
	hub *eventHub
}

func (er eventsResponse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has replied to the client already.
		logger.Noticef("Cannot upgrade events connection: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := er.hub.subscribe()
	defer unsubscribe()

	// Clients never send anything; reading is only how a close is noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon stopping")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debugf("Cannot send event: %v", err)
				return
			}
		case <-gone:
			return
		}
	}
}
