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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/dreamboot/internals/metrics"
)

var metricsHandler = promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})

func v1GetMetrics(c *Command, r *http.Request) Response {
	return metricsResponse{handler: metricsHandler}
}

// metricsResponse is a Response implementation to serve the metrics in the
// Prometheus text format.
type metricsResponse struct {
	handler http.Handler
}

func (r metricsResponse) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}
