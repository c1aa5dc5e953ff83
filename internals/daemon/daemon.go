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

// Package daemon serves the boot manager over a JSON API on a unix socket.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/canonical/dreamboot/internals/bootmgr"
	"github.com/canonical/dreamboot/internals/logger"
)

// Options holds the daemon setup.
type Options struct {
	// SocketPath is the unix socket the API is served on.
	SocketPath string

	// Manager runs the boot manager operations.
	Manager *bootmgr.Manager

	Version string
}

// A Daemon listens for requests and routes them to the right command
type Daemon struct {
	Version    string
	StartTime  time.Time
	socketPath string
	manager    *bootmgr.Manager
	ops        *opQueue
	events     *eventHub
	listener   net.Listener
	serve      *http.Server
	tomb       tomb.Tomb
	router     *mux.Router
}

// A ResponseFunc handles one of the individual verbs for a method
type ResponseFunc func(*Command, *http.Request) Response

// A Command routes a request to an individual per-verb ResponseFunc
type Command struct {
	Path string
	//
	GET  ResponseFunc
	POST ResponseFunc

	d *Daemon
}

func (c *Command) Daemon() *Daemon {
	return c.d
}

func (c *Command) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rspf ResponseFunc
	switch r.Method {
	case "GET":
		rspf = c.GET
	case "POST":
		rspf = c.POST
	}
	if rspf == nil {
		MethodNotAllowed("method %q not allowed", r.Method).ServeHTTP(w, r)
		return
	}
	rspf(c, r).ServeHTTP(w, r)
}

type wrappedWriter struct {
	w http.ResponseWriter
	s int
}

func (w *wrappedWriter) Header() http.Header {
	return w.w.Header()
}

func (w *wrappedWriter) Write(bs []byte) (int, error) {
	return w.w.Write(bs)
}

func (w *wrappedWriter) WriteHeader(s int) {
	w.w.WriteHeader(s)
	w.s = s
}

func (w *wrappedWriter) Flush() {
	if f, ok := w.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed for websockets to take over an HTTP connection.
func (w *wrappedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying writer does not implement Hijack")
	}
	return hijacker.Hijack()
}

func (w *wrappedWriter) status() int {
	if w.s == 0 {
		return http.StatusOK
	}
	return w.s
}

func logit(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := &wrappedWriter{w: w}
		t0 := time.Now()
		handler.ServeHTTP(ww, r)
		t := time.Since(t0)

		// Operation polling, health checks and metrics scrapes are noise.
		skipLog := r.Method == "GET" &&
			(strings.HasPrefix(r.URL.Path, "/v1/operations/") ||
				r.URL.Path == "/v1/health" ||
				r.URL.Path == "/v1/metrics")
		if skipLog {
			logger.Debugf("%s %s %s %d", r.Method, r.URL, t, ww.status())
			return
		}
		logger.Noticef("%s %s %s %d", r.Method, r.URL, t, ww.status())
	})
}

// exitOnPanic opts out of the default net/http behaviour of recovering from
// panics in ServeHTTP goroutines, so that the server isn't left in a bad or
// deadlocked state (for example, due to a held mutex lock).
func exitOnPanic(handler http.Handler, stderr io.Writer, exit func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := recover()
			if err != nil {
				fmt.Fprintf(stderr, "panic: %v\n\n%s", err, debug.Stack())
				exit()
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// Init sets up the Daemon's internal workings.
// Don't call more than once.
func (d *Daemon) Init() error {
	listener, err := getListener(d.socketPath)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %v", d.socketPath, err)
	}
	d.listener = listener
	d.addRoutes()
	logger.Noticef("Started daemon.")
	return nil
}

func (d *Daemon) addRoutes() {
	d.router = mux.NewRouter()

	for _, c := range API {
		c.d = d
		d.router.Handle(c.Path, c).Name(c.Path)
	}

	d.router.NotFoundHandler = NotFound("invalid API endpoint requested")
}

// Start serves the API and runs the operation worker.
func (d *Daemon) Start() error {
	d.StartTime = time.Now()
	d.serve = &http.Server{
		Handler: exitOnPanic(logit(d.router), os.Stderr, func() {
			os.Exit(1)
		}),
	}

	d.ops.start(&d.tomb)

	d.tomb.Go(func() error {
		if err := d.serve.Serve(d.listener); err != http.ErrServerClosed && d.tomb.Err() == tomb.ErrStillAlive {
			return err
		}
		return nil
	})
	return nil
}

var shutdownTimeout = 5 * time.Second

// Stop shuts down the Daemon. A running operation is given the chance to
// finish its current step.
func (d *Daemon) Stop() error {
	d.tomb.Kill(nil)
	d.events.close()

	// We're using the background context here because the tomb's
	// context will likely already have been cancelled when we are
	// called.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	d.tomb.Kill(d.serve.Shutdown(ctx))
	cancel()

	return d.tomb.Wait()
}

// Dying returns a channel that is closed when the daemon begins to stop.
func (d *Daemon) Dying() <-chan struct{} {
	return d.tomb.Dying()
}

// Err returns the death reason, or ErrStillAlive
// if the tomb is not in a dying or dead state.
func (d *Daemon) Err() error {
	return d.tomb.Err()
}

func New(opts *Options) (*Daemon, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("internal error: no boot manager")
	}
	d := &Daemon{
		Version:    opts.Version,
		socketPath: opts.SocketPath,
		manager:    opts.Manager,
		ops:        newOpQueue(),
		events:     newEventHub(),
	}
	opts.Manager.Observe(d.events.publish)
	return d, nil
}

func getListener(socketPath string) (net.Listener, error) {
	if c, err := net.Dial("unix", socketPath); err == nil {
		c.Close()
		return nil, fmt.Errorf("socket %q already in use", socketPath)
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	address, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, err
	}

	// Only the owner may drive destructive operations.
	runtime.LockOSThread()
	oldmask := unix.Umask(0177)
	listener, err := net.ListenUnix("unix", address)
	unix.Umask(oldmask)
	runtime.UnlockOSThread()
	if err != nil {
		return nil, err
	}

	logger.Debugf("Listening on %q.", socketPath)
	return listener, nil
}
