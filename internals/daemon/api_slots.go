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
	"fmt"
	"net/http"

	"github.com/canonical/dreamboot/internals/bootmgr"
)

func v1GetSlots(c *Command, r *http.Request) Response {
	infos := c.d.manager.ListSlots(r.Context())
	if infos == nil {
		infos = []bootmgr.SlotInfo{}
	}
	return SyncResponse(infos)
}

func v1PostSlot(c *Command, r *http.Request) Response {
	name := muxVars(r)["name"]
	if _, rsp := decodeAction(r, "delete"); rsp != nil {
		return rsp
	}
	slot, ok := c.d.manager.FindSlot(name)
	if !ok {
		return NotFound("cannot find slot %q", name)
	}

	op, err := c.d.ops.enqueue(bootmgr.OpDeleteSlotImage, fmt.Sprintf("Delete image from %s", slot.Name),
		func(ctx context.Context) bootmgr.Outcome {
			return c.d.manager.DeleteSlotImage(ctx, slot)
		})
	if err != nil {
		return queueResponse(err)
	}
	return asyncOperation(op)
}

func v1PostSDCard(c *Command, r *http.Request) Response {
	if _, rsp := decodeAction(r, "partition"); rsp != nil {
		return rsp
	}
	device := c.d.manager.Settings().SDDevice
	op, err := c.d.ops.enqueue(bootmgr.OpPartitionSD, fmt.Sprintf("Partition SD card %s", device),
		func(ctx context.Context) bootmgr.Outcome {
			return c.d.manager.PartitionSDCard(ctx)
		})
	if err != nil {
		return queueResponse(err)
	}
	return asyncOperation(op)
}
