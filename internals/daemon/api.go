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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

var API = []*Command{{
	Path: "/v1/health",
	GET:  v1Health,
}, {
	Path: "/v1/images",
	GET:  v1GetImages,
	POST: v1PostImages,
}, {
	Path: "/v1/current",
	GET:  v1GetCurrent,
}, {
	Path: "/v1/slots",
	GET:  v1GetSlots,
}, {
	Path: "/v1/slots/{name}",
	POST: v1PostSlot,
}, {
	Path: "/v1/sdcard",
	POST: v1PostSDCard,
}, {
	Path: "/v1/operations",
	GET:  v1GetOperations,
}, {
	Path: "/v1/operations/{id}",
	GET:  v1GetOperation,
}, {
	Path: "/v1/operations/{id}/wait",
	GET:  v1GetOperationWait,
}, {
	Path: "/v1/events",
	GET:  v1GetEvents,
}, {
	Path: "/v1/metrics",
	GET:  v1GetMetrics,
}}

var muxVars = mux.Vars

type actionPayload struct {
	Action string `json:"action"`
	Name   string `json:"name,omitempty"`
}

func decodeAction(r *http.Request, valid string) (*actionPayload, Response) {
	var payload actionPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return nil, BadRequest("cannot decode request body: %v", err)
	}
	if payload.Action != valid {
		return nil, BadRequest("invalid action %q", payload.Action)
	}
	return &payload, nil
}

// queueResponse reports an operation that could not be queued.
func queueResponse(err error) Response {
	kind := errorKind("")
	if errors.Is(err, errShuttingDown) {
		kind = errorKindShuttingDown
	}
	return &resp{
		Type:   ResponseTypeError,
		Status: http.StatusServiceUnavailable,
		Result: &errorResult{Message: fmt.Sprintf("cannot queue operation: %v", err), Kind: kind},
	}
}

func asyncOperation(op *operation) Response {
	return AsyncResponse(map[string]interface{}{
		"resource": "/v1/operations/" + op.id,
	}, op.id)
}
