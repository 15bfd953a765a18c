// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"github.com/emiago/webphone/sipws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "webphone"

// metrics is nil safe. Nil metrics records nothing
type metrics struct {
	registrations     *prometheus.CounterVec
	transportStates   *prometheus.CounterVec
	errors            prometheus.Counter
	mediaAcquisitions prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "registrations_total",
			Help:      "Total number of registration attempts by result",
		}, []string{"result"}),
		transportStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_state_changes_total",
			Help:      "Total number of transport state changes",
		}, []string{"state"}),
		errors: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Total number of errors delivered to error handler",
		}),
		mediaAcquisitions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "media_acquisitions_total",
			Help:      "Total number of microphone acquisitions",
		}),
	}
}

func (m *metrics) registration(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *metrics) transportState(state sipws.TransportState) {
	if m == nil {
		return
	}
	m.transportStates.WithLabelValues(state.String()).Inc()
}

func (m *metrics) errorReported() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

func (m *metrics) mediaAcquired() {
	if m == nil {
		return
	}
	m.mediaAcquisitions.Inc()
}
