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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/check.v1"

	"github.com/canonical/dreamboot/internals/bootmgr"
	"github.com/canonical/dreamboot/internals/config"
	"github.com/canonical/dreamboot/internals/logger"
	"github.com/canonical/dreamboot/internals/toolrunner"
	"github.com/canonical/dreamboot/internals/toolrunner/toolrunnertest"
)

var _ = check.Suite(&apiSuite{})

type apiSuite struct {
	d *Daemon

	root     string
	settings *config.Settings
	runner   *toolrunnertest.FakeRunner

	vars map[string]string

	restoreMuxVars func()
	restoreLogger  func()
}

func (s *apiSuite) SetUpTest(c *check.C) {
	s.restoreMuxVars = FakeMuxVars(s.muxVars)
	_, s.restoreLogger = logger.MockLogger("")
	s.root = c.MkDir()
	s.settings = testSettings(c, s.root)
	s.runner = toolrunnertest.New()
	s.runner.Handler = func(cmd toolrunner.Command) toolrunnertest.Reply {
		if cmd.Name == "blockdev" {
			return toolrunnertest.Reply{Output: "16106127360\n"}
		}
		return toolrunnertest.Reply{}
	}
	s.vars = nil
}

func (s *apiSuite) TearDownTest(c *check.C) {
	if s.d != nil {
		s.d.tomb.Kill(nil)
		c.Check(s.d.tomb.Wait(), check.IsNil)
	}
	s.d = nil
	s.restoreMuxVars()
	s.restoreLogger()
}

func (s *apiSuite) muxVars(*http.Request) map[string]string {
	return s.vars
}

// testSettings returns settings with every path below root.
func testSettings(c *check.C, root string) *config.Settings {
	path := func(rel string) string { return filepath.Join(root, rel) }
	for _, d := range []string{"data", "boot", "tmp", "dev", "media"} {
		c.Assert(os.MkdirAll(path(d), 0755), check.IsNil)
	}
	st := config.Defaults()
	st.ConfigPaths = []string{path("data/bootconfig.txt"), path("boot/bootconfig.txt")}
	st.MarkerPaths = []string{path("boot/STARTUP"), path("data/STARTUP"), path("tmp/STARTUP")}
	st.StartupDir = path("data")
	st.SDDevice = path("dev/mmcblk1")
	for i := range st.Slots {
		dev := filepath.Base(st.Slots[i].Device)
		st.Slots[i].Device = path("dev/" + dev)
		st.Slots[i].MountPoint = path("media/" + dev)
	}
	st.Socket = path("dreamboot.socket")
	return st
}

// daemon returns a daemon with its operation worker running but no
// listener.
func (s *apiSuite) daemon(c *check.C) *Daemon {
	if s.d != nil {
		panic("called daemon() twice")
	}
	d, err := New(&Options{
		SocketPath: s.settings.Socket,
		Manager:    bootmgr.New(s.settings, s.runner),
		Version:    "1.0",
	})
	c.Assert(err, check.IsNil)
	d.addRoutes()
	d.ops.start(&d.tomb)
	s.d = d
	return d
}

func apiCmd(path string) *Command {
	for _, cmd := range API {
		if cmd.Path == path {
			return cmd
		}
	}
	panic("no command with path " + path)
}

type testResponse struct {
	Type   ResponseType    `json:"type"`
	Status int             `json:"status-code"`
	Change string          `json:"change"`
	Result json.RawMessage `json:"result"`
}

func (s *apiSuite) serve(c *check.C, method, path, body string) (*httptest.ResponseRecorder, *testResponse) {
	var cmd *Command
	for _, candidate := range API {
		if candidate.Path == path {
			cmd = candidate
		}
	}
	if cmd == nil {
		// the variables themselves come from s.vars
		cmd = apiCmd(routeOf(path))
	}
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	c.Assert(err, check.IsNil)
	rec := httptest.NewRecorder()
	cmd.ServeHTTP(rec, req)

	var rsp testResponse
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &rsp), check.IsNil)
	c.Check(rsp.Status, check.Equals, rec.Code)
	return rec, &rsp
}

func routeOf(path string) string {
	path, _, _ = strings.Cut(path, "?")
	switch {
	case strings.HasPrefix(path, "/v1/slots/"):
		return "/v1/slots/{name}"
	case strings.HasSuffix(path, "/wait"):
		return "/v1/operations/{id}/wait"
	case strings.HasPrefix(path, "/v1/operations/"):
		return "/v1/operations/{id}"
	}
	panic("no route for " + path)
}

func decodeResult(c *check.C, rsp *testResponse, v interface{}) {
	c.Assert(json.Unmarshal(rsp.Result, v), check.IsNil)
}

func (s *apiSuite) TestRoutes(c *check.C) {
	c.Check(apiCmd("/v1/images").GET, check.NotNil)
	c.Check(apiCmd("/v1/images").POST, check.NotNil)
	c.Check(apiCmd("/v1/slots").POST, check.IsNil)
	c.Check(apiCmd("/v1/slots/{name}").GET, check.IsNil)
	c.Check(apiCmd("/v1/sdcard").GET, check.IsNil)
}

func (s *apiSuite) TestMethodNotAllowed(c *check.C) {
	s.daemon(c)
	rec, rsp := s.serve(c, "POST", "/v1/current", "")
	c.Check(rec.Code, check.Equals, 405)
	c.Check(rsp.Type, check.Equals, ResponseTypeError)
}

func (s *apiSuite) TestHealth(c *check.C) {
	s.daemon(c)
	rec, rsp := s.serve(c, "GET", "/v1/health", "")
	c.Check(rec.Code, check.Equals, 200)
	c.Check(rec.Header().Get("Content-Type"), check.Equals, "application/json")
	var health healthInfo
	decodeResult(c, rsp, &health)
	c.Check(health.Healthy, check.Equals, true)
}

func (s *apiSuite) TestHealthStopping(c *check.C) {
	d := s.daemon(c)
	d.tomb.Kill(nil)
	rec, rsp := s.serve(c, "GET", "/v1/health", "")
	c.Check(rec.Code, check.Equals, 503)
	var health healthInfo
	decodeResult(c, rsp, &health)
	c.Check(health.Healthy, check.Equals, false)
}

func (s *apiSuite) TestGetImages(c *check.C) {
	s.daemon(c)
	rec, rsp := s.serve(c, "GET", "/v1/images", "")
	c.Check(rec.Code, check.Equals, 200)
	var images []imageInfo
	decodeResult(c, rsp, &images)
	c.Assert(images, check.HasLen, 8)
	c.Check(images[0].Name, check.Equals, "Dreambox Image")
	c.Check(images[0].Current, check.Equals, true)
	c.Check(images[7].Name, check.Equals, "SDcard Slot 8")
	c.Check(images[7].Index, check.Equals, 7)
	c.Check(images[7].Current, check.Equals, false)
}

func (s *apiSuite) TestSelectImage(c *check.C) {
	s.daemon(c)
	rec, rsp := s.serve(c, "POST", "/v1/images", `{"action": "select", "name": "Dreambox Image 2"}`)
	c.Assert(rec.Code, check.Equals, 200, check.Commentf("%s", rec.Body))
	var out bootmgr.Outcome
	decodeResult(c, rsp, &out)
	c.Check(out.Status, check.Equals, bootmgr.StatusDone)
	c.Check(out.Message, check.Equals, `Boot image set to "Dreambox Image 2".`)

	_, rsp = s.serve(c, "GET", "/v1/current", "")
	var current map[string]string
	decodeResult(c, rsp, &current)
	c.Check(current["name"], check.Equals, "Dreambox Image 2")

	// the selection shows up as a finished operation
	_, rsp = s.serve(c, "GET", "/v1/operations", "")
	var ops []*opInfo
	decodeResult(c, rsp, &ops)
	c.Assert(ops, check.HasLen, 1)
	c.Check(ops[0].Kind, check.Equals, bootmgr.OpSelectImage)
	c.Check(ops[0].Status, check.Equals, OpDone)
	c.Check(ops[0].Outcome.ID, check.Equals, ops[0].ID)
}

func (s *apiSuite) TestSelectUnknownImage(c *check.C) {
	s.daemon(c)
	rec, rsp := s.serve(c, "POST", "/v1/images", `{"action": "select", "name": "Nope"}`)
	c.Check(rec.Code, check.Equals, 404)
	var res errorResult
	decodeResult(c, rsp, &res)
	c.Check(res.Kind, check.Equals, errorKindNotFound)
	c.Check(res.Message, check.Equals, `cannot find boot image "Nope"`)
}

func (s *apiSuite) TestSelectBadRequests(c *check.C) {
	s.daemon(c)
	for _, body := range []string{
		``,
		`{"action": "boot", "name": "Dreambox Image"}`,
		`{"action": "select"}`,
		`{"action": "select", "name": "Dreambox Image", "force": true}`,
	} {
		rec, rsp := s.serve(c, "POST", "/v1/images", body)
		c.Check(rec.Code, check.Equals, 400, check.Commentf("%q", body))
		c.Check(rsp.Type, check.Equals, ResponseTypeError)
	}
}

func (s *apiSuite) TestGetSlots(c *check.C) {
	s.daemon(c)
	rec, rsp := s.serve(c, "GET", "/v1/slots", "")
	c.Check(rec.Code, check.Equals, 200)
	// no device nodes exist
	c.Check(string(rsp.Result), check.Equals, "[]")
}

func (s *apiSuite) TestDeleteSlotAsync(c *check.C) {
	s.daemon(c)
	s.vars = map[string]string{"name": "Slot 2 (Multiboot 2)"}
	rec, rsp := s.serve(c, "POST", "/v1/slots/Slot 2 (Multiboot 2)", `{"action": "delete"}`)
	c.Assert(rec.Code, check.Equals, 202)
	c.Check(rsp.Type, check.Equals, ResponseTypeAsync)
	c.Check(rsp.Change, check.Not(check.Equals), "")
	c.Check(rec.Header().Get("Location"), check.Equals, "/v1/operations/"+rsp.Change)

	id := rsp.Change
	s.vars = map[string]string{"id": id}
	rec, rsp = s.serve(c, "GET", "/v1/operations/"+id+"/wait?timeout=5s", "")
	c.Assert(rec.Code, check.Equals, 200)
	var info opInfo
	decodeResult(c, rsp, &info)
	c.Check(info.ID, check.Equals, id)
	c.Check(info.Kind, check.Equals, bootmgr.OpDeleteSlotImage)
	c.Check(info.Status, check.Equals, OpFailed)
	c.Check(info.Ready, check.Equals, true)
	c.Check(info.ReadyTime, check.NotNil)
	c.Assert(info.Outcome, check.NotNil)
	c.Check(info.Outcome.Kind, check.Equals, bootmgr.KindNotFound)
	c.Check(info.Outcome.Message, check.Equals,
		"Partition "+s.settings.Slots[1].Device+" of Slot 2 (Multiboot 2) not found")
}

func (s *apiSuite) TestDeleteUnknownSlot(c *check.C) {
	s.daemon(c)
	s.vars = map[string]string{"name": "Slot 9"}
	rec, _ := s.serve(c, "POST", "/v1/slots/Slot 9", `{"action": "delete"}`)
	c.Check(rec.Code, check.Equals, 404)
}

func (s *apiSuite) TestPartitionSDCardAsync(c *check.C) {
	s.daemon(c)
	rec, rsp := s.serve(c, "POST", "/v1/sdcard", `{"action": "partition"}`)
	c.Assert(rec.Code, check.Equals, 202)

	id := rsp.Change
	s.vars = map[string]string{"id": id}
	_, rsp = s.serve(c, "GET", "/v1/operations/"+id+"/wait", "")
	var info opInfo
	decodeResult(c, rsp, &info)
	c.Check(info.Summary, check.Equals, "Partition SD card "+s.settings.SDDevice)
	c.Check(info.Status, check.Equals, OpFailed)
	c.Check(info.Outcome.Message, check.Equals, "SD card not found at "+s.settings.SDDevice)
	// nothing was run against a missing card
	c.Check(s.runner.Calls(), check.HasLen, 0)
}

func (s *apiSuite) TestOperationNotFound(c *check.C) {
	s.daemon(c)
	s.vars = map[string]string{"id": "missing"}
	rec, _ := s.serve(c, "GET", "/v1/operations/missing", "")
	c.Check(rec.Code, check.Equals, 404)
	rec, _ = s.serve(c, "GET", "/v1/operations/missing/wait", "")
	c.Check(rec.Code, check.Equals, 404)
}

func (s *apiSuite) TestWaitTimeout(c *check.C) {
	d := s.daemon(c)
	block := make(chan struct{})
	defer close(block)
	op, err := d.ops.enqueue("test", "Block", func(ctx context.Context) bootmgr.Outcome {
		<-block
		return bootmgr.Outcome{Status: bootmgr.StatusDone}
	})
	c.Assert(err, check.IsNil)

	s.vars = map[string]string{"id": op.id}
	rec, _ := s.serve(c, "GET", "/v1/operations/"+op.id+"/wait?timeout=10ms", "")
	c.Check(rec.Code, check.Equals, 504)

	rec, _ = s.serve(c, "GET", "/v1/operations/"+op.id+"/wait?timeout=soon", "")
	c.Check(rec.Code, check.Equals, 400)
}

func (s *apiSuite) TestQueueShuttingDown(c *check.C) {
	d := s.daemon(c)
	d.tomb.Kill(nil)
	c.Assert(d.tomb.Wait(), check.IsNil)

	rec, rsp := s.serve(c, "POST", "/v1/sdcard", `{"action": "partition"}`)
	c.Check(rec.Code, check.Equals, 503)
	var res errorResult
	decodeResult(c, rsp, &res)
	c.Check(res.Kind, check.Equals, errorKindShuttingDown)
}

func (s *apiSuite) TestMetrics(c *check.C) {
	s.daemon(c)
	s.serve(c, "POST", "/v1/images", `{"action": "select", "name": "Dreambox Image 1"}`)

	req, err := http.NewRequest("GET", "/v1/metrics", nil)
	c.Assert(err, check.IsNil)
	rec := httptest.NewRecorder()
	cmd := apiCmd("/v1/metrics")
	cmd.ServeHTTP(rec, req)
	c.Check(rec.Code, check.Equals, 200)
	c.Check(rec.Body.String(), check.Matches, `(?s).*dreamboot_operations_total\{operation="select-image",status="done"\} [0-9]+.*`)
}

func (s *apiSuite) TestOutcomeResponse(c *check.C) {
	for _, t := range []struct {
		kind   bootmgr.Kind
		status int
		errk   errorKind
	}{
		{bootmgr.KindNotFound, 404, errorKindNotFound},
		{bootmgr.KindToolFailure, 500, errorKindToolFailure},
		{bootmgr.KindIOFailure, 500, errorKindIOFailure},
		{bootmgr.KindUnknown, 500, errorKindInternalError},
	} {
		out := bootmgr.Outcome{Status: bootmgr.StatusFailed, Kind: t.kind, Message: "boom"}
		rec := httptest.NewRecorder()
		outcomeResponse(out).ServeHTTP(rec, nil)
		c.Check(rec.Code, check.Equals, t.status)
		var rsp testResponse
		c.Assert(json.Unmarshal(rec.Body.Bytes(), &rsp), check.IsNil)
		var res errorResult
		c.Assert(json.Unmarshal(rsp.Result, &res), check.IsNil)
		c.Check(res.Kind, check.Equals, t.errk)
		c.Check(res.Message, check.Equals, "boom")
	}

	rec := httptest.NewRecorder()
	outcomeResponse(bootmgr.Outcome{Status: bootmgr.StatusNoOp}).ServeHTTP(rec, nil)
	c.Check(rec.Code, check.Equals, 200)
}

func (s *apiSuite) TestEventsStream(c *check.C) {
	d := s.daemon(c)
	srv := httptest.NewServer(d.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	c.Assert(err, check.IsNil)
	defer conn.Close()
	for i := 0; d.events.subscribers() == 0; i++ {
		c.Assert(i < 500, check.Equals, true, check.Commentf("no subscriber"))
		time.Sleep(10 * time.Millisecond)
	}

	body := bytes.NewBufferString(`{"action": "select", "name": "SDcard Slot 5"}`)
	res, err := http.Post(srv.URL+"/v1/images", "application/json", body)
	c.Assert(err, check.IsNil)
	res.Body.Close()
	c.Check(res.StatusCode, check.Equals, 200)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var started, finished bootmgr.Event
	c.Assert(conn.ReadJSON(&started), check.IsNil)
	c.Assert(conn.ReadJSON(&finished), check.IsNil)
	c.Check(started.Type, check.Equals, bootmgr.EventStarted)
	c.Check(started.Operation, check.Equals, bootmgr.OpSelectImage)
	c.Check(finished.Type, check.Equals, bootmgr.EventFinished)
	c.Check(finished.ID, check.Equals, started.ID)
	c.Assert(finished.Outcome, check.NotNil)
	c.Check(finished.Outcome.Message, check.Equals, `Boot image set to "SDcard Slot 5".`)

	// closing the hub ends the stream
	d.events.close()
	_, _, err = conn.ReadMessage()
	c.Check(websocket.IsCloseError(err, websocket.CloseGoingAway), check.Equals, true)
}
