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

// Package metrics holds the Prometheus collectors shared by the boot
// manager and served by the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dreamboot"

var (
	// Registry holds every dreamboot collector. It is separate from the
	// global default registry so tests can inspect it in isolation.
	Registry = prometheus.NewRegistry()

	ToolRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_runs_total",
		Help:      "Number of external tool invocations by tool and result.",
	}, []string{"tool", "result"})

	ToolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_duration_seconds",
		Help:      "Wall time of external tool invocations.",
		Buckets:   []float64{0.05, 0.25, 1, 5, 30, 120, 600},
	}, []string{"tool"})

	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Number of boot manager operations by operation and status.",
	}, []string{"operation", "status"})

	OperationInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "operation_in_flight",
		Help:      "Set to 1 while a boot manager operation holds the device lock.",
	})
)

func init() {
	Registry.MustRegister(ToolRuns, ToolDuration, Operations, OperationInFlight)
}

// Tool result label values.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultError   = "error"
	ResultTimeout = "timeout"
)
