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
	"context"
	"errors"
	"net/http"
	"time"
)

func v1GetOperations(c *Command, r *http.Request) Response {
	return SyncResponse(c.d.ops.list())
}

func v1GetOperation(c *Command, r *http.Request) Response {
	id := muxVars(r)["id"]
	op := c.d.ops.get(id)
	if op == nil {
		return NotFound("cannot find operation with id %q", id)
	}
	return SyncResponse(op.info())
}

func v1GetOperationWait(c *Command, r *http.Request) Response {
	id := muxVars(r)["id"]
	op := c.d.ops.get(id)
	if op == nil {
		return NotFound("cannot find operation with id %q", id)
	}

	ctx := r.Context()
	if s := r.URL.Query().Get("timeout"); s != "" {
		timeout, err := time.ParseDuration(s)
		if err != nil {
			return BadRequest("invalid timeout %q: %v", s, err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.d.ops.wait(ctx, op); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return GatewayTimeout("timed out waiting for operation %s", id)
		}
		return InternalError("%v", err)
	}
	return SyncResponse(op.info())
}
