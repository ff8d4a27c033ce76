/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package metrics collects process-wide counters for the request
// lifecycle. The counters live on the default Prometheus registry and
// are rendered on demand (SIGUSR1) rather than served, so no scrape
// surface is added to the data path.
package metrics

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	ConnectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webserv_connections_accepted_total",
		Help: "Client connections accepted across all listeners.",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webserv_connections_active",
		Help: "Client connections currently registered with the reactor.",
	})

	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webserv_requests_total",
		Help: "Requests answered, by status class.",
	}, []string{"class"})

	CgiSpawns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webserv_cgi_spawns_total",
		Help: "CGI child processes spawned.",
	})

	CgiTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webserv_cgi_timeouts_total",
		Help: "CGI executions killed after exceeding cgi_read_timeout.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsAccepted,
		ConnectionsActive,
		Requests,
		CgiSpawns,
		CgiTimeouts,
	)
}

// ObserveStatus counts a finished response under its status class.
func ObserveStatus(code int) {
	switch {
	case code >= 500:
		Requests.WithLabelValues("5xx").Inc()
	case code >= 400:
		Requests.WithLabelValues("4xx").Inc()
	case code >= 300:
		Requests.WithLabelValues("3xx").Inc()
	default:
		Requests.WithLabelValues("2xx").Inc()
	}
}

// Dump renders the default registry in the text exposition format.
func Dump() (string, error) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
