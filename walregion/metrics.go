// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package walregion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commits        prometheus.Counter
	rollbacks      prometheus.Counter
	rotations      prometheus.Counter
	bytesWritten   prometheus.Counter
	pendingTxGauge prometheus.Gauge
	pageAgeSeconds prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "txfile_wal_commits_total",
			Help: "commits_total counts the number of committed transactions folded into the WAL.",
		}),
		rollbacks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "txfile_wal_rollbacks_total",
			Help: "rollbacks_total counts the number of rolled back or abandoned transactions.",
		}),
		rotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "txfile_wal_rotations_total",
			Help: "rotations_total counts how many times the authoritative WAL page has switched.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "txfile_wal_bytes_written_total",
			Help: "bytes_written_total counts WAL record bytes appended, including headers.",
		}),
		pendingTxGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "txfile_wal_pending_transactions",
			Help: "pending_transactions is the number of transactions with staged but uncommitted writes.",
		}),
		pageAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "txfile_wal_page_age_seconds",
			Help: "page_age_seconds is set on each rotation to the lifetime of the page being retired.",
		}),
	}
}
