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

	"github.com/canonical/dreamboot/internals/bootconfig"
	"github.com/canonical/dreamboot/internals/bootmgr"
)

type imageInfo struct {
	bootconfig.Image
	Current bool `json:"current,omitempty"`
}

func v1GetImages(c *Command, r *http.Request) Response {
	images := c.d.manager.ListImages()
	current := c.d.manager.CurrentBootImage()
	infos := make([]imageInfo, 0, len(images))
	for _, img := range images {
		infos = append(infos, imageInfo{Image: img, Current: img.Name == current})
	}
	return SyncResponse(infos)
}

func v1GetCurrent(c *Command, r *http.Request) Response {
	return SyncResponse(map[string]string{
		"name": c.d.manager.CurrentBootImage(),
	})
}

func v1PostImages(c *Command, r *http.Request) Response {
	payload, rsp := decodeAction(r, "select")
	if rsp != nil {
		return rsp
	}
	if payload.Name == "" {
		return BadRequest("must specify an image name")
	}
	img, ok := c.d.manager.FindImage(payload.Name)
	if !ok {
		return NotFound("cannot find boot image %q", payload.Name)
	}

	op, err := c.d.ops.enqueue(bootmgr.OpSelectImage, fmt.Sprintf("Select boot image %q", img.Name),
		func(ctx context.Context) bootmgr.Outcome {
			return c.d.manager.SelectImage(ctx, img)
		})
	if err != nil {
		return queueResponse(err)
	}
	if err := c.d.ops.wait(r.Context(), op); err != nil {
		return InternalError("cannot wait for selection: %v", err)
	}
	return outcomeResponse(*op.info().Outcome)
}
