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
	"fmt"
	"net/http"

	"github.com/canonical/dreamboot/internals/bootmgr"
	"github.com/canonical/dreamboot/internals/logger"
)

type ResponseType string

const (
	ResponseTypeSync  ResponseType = "sync"
	ResponseTypeAsync ResponseType = "async"
	ResponseTypeError ResponseType = "error"
)

// Response knows how to serve itself, and how to find itself
type Response interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

type resp struct {
	Status int          `json:"status-code"`
	Type   ResponseType `json:"type"`
	Change string       `json:"change,omitempty"`
	Result interface{}  `json:"result,omitempty"`
}

type respJSON struct {
	Type       ResponseType `json:"type"`
	Status     int          `json:"status-code"`
	StatusText string       `json:"status,omitempty"`
	Change     string       `json:"change,omitempty"`
	Result     interface{}  `json:"result,omitempty"`
}

func (r *resp) MarshalJSON() ([]byte, error) {
	return json.Marshal(respJSON{
		Type:       r.Type,
		Status:     r.Status,
		StatusText: http.StatusText(r.Status),
		Change:     r.Change,
		Result:     r.Result,
	})
}

func (r *resp) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := r.Status
	bs, err := r.MarshalJSON()
	if err != nil {
		logger.Noticef("Cannot marshal %#v to JSON: %v", *r, err)
		bs = nil
		status = http.StatusInternalServerError
	}

	hdr := w.Header()
	if r.Status == http.StatusAccepted {
		if m, ok := r.Result.(map[string]interface{}); ok {
			if location, ok := m["resource"].(string); ok && location != "" {
				hdr.Set("Location", location)
			}
		}
	}

	hdr.Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(bs)
}

type errorKind string

// Error kinds for use as a response result
const (
	errorKindNotFound      = errorKind("not-found")
	errorKindToolFailure   = errorKind("tool-failure")
	errorKindIOFailure     = errorKind("io-failure")
	errorKindShuttingDown  = errorKind("shutting-down")
	errorKindInternalError = errorKind("unknown")
)

type errorResult struct {
	Message string      `json:"message"` // note no omitempty
	Kind    errorKind   `json:"kind,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

func SyncResponse(result interface{}) Response {
	if err, ok := result.(error); ok {
		return InternalError("internal error: %v", err)
	}

	if rsp, ok := result.(Response); ok {
		return rsp
	}

	return &resp{
		Type:   ResponseTypeSync,
		Status: http.StatusOK,
		Result: result,
	}
}

func AsyncResponse(result map[string]interface{}, change string) Response {
	return &resp{
		Type:   ResponseTypeAsync,
		Status: http.StatusAccepted,
		Result: result,
		Change: change,
	}
}

// ErrorResponse builds an error Response that returns the status and formatted message.
//
// If no arguments are provided, formatting is disabled, and the format string
// is used as is and not interpreted in any way.
func ErrorResponse(status int, format string, v ...interface{}) Response {
	res := &errorResult{}
	if len(v) == 0 {
		res.Message = format
	} else {
		res.Message = fmt.Sprintf(format, v...)
	}
	if status == http.StatusNotFound {
		res.Kind = errorKindNotFound
	}
	return &resp{
		Type:   ResponseTypeError,
		Result: res,
		Status: status,
	}
}

// outcomeResponse serves a completed operation outcome, as an error
// response when the operation failed.
func outcomeResponse(out bootmgr.Outcome) Response {
	if out.Success() {
		return SyncResponse(out)
	}
	status := http.StatusInternalServerError
	kind := errorKindInternalError
	switch out.Kind {
	case bootmgr.KindNotFound:
		status, kind = http.StatusNotFound, errorKindNotFound
	case bootmgr.KindToolFailure:
		kind = errorKindToolFailure
	case bootmgr.KindIOFailure:
		kind = errorKindIOFailure
	}
	return &resp{
		Type:   ResponseTypeError,
		Status: status,
		Result: &errorResult{Message: out.Message, Kind: kind, Value: out},
	}
}

func makeErrorResponder(status int) errorResponder {
	return func(format string, v ...interface{}) Response {
		return ErrorResponse(status, format, v...)
	}
}

// errorResponder is a callable that produces an error Response.
// e.g., InternalError("something broke: %v", err), etc.
type errorResponder func(string, ...interface{}) Response

// Standard error responses.
var (
	BadRequest         = makeErrorResponder(http.StatusBadRequest)
	NotFound           = makeErrorResponder(http.StatusNotFound)
	MethodNotAllowed   = makeErrorResponder(http.StatusMethodNotAllowed)
	InternalError      = makeErrorResponder(http.StatusInternalServerError)
	ServiceUnavailable = makeErrorResponder(http.StatusServiceUnavailable)
	GatewayTimeout     = makeErrorResponder(http.StatusGatewayTimeout)
)
