// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	queueWakeups prometheus.Counter
	buildsRead   prometheus.Counter
	buildsDone   prometheus.Counter
	stepsCreated prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		queueWakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hearth_queue_wakeups_total",
			Help: "Number of times the queue monitor woke up on a database notification.",
		}),
		buildsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hearth_queue_builds_read_total",
			Help: "Number of builds read from the queue.",
		}),
		buildsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hearth_queue_builds_done_total",
			Help: "Number of builds the queue monitor aborted or failed without dispatch (cached successes are not counted).",
		}),
		stepsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hearth_queue_steps_created_total",
			Help: "Number of build steps created.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queueWakeups, m.buildsRead, m.buildsDone, m.stepsCreated)
	}
	return m
}
