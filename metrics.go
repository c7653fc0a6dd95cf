package edgecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultHit    = "hit"
	resultMiss   = "miss"
	resultBypass = "bypass"
	resultError  = "error"

	operationMatch = "match"
	operationPut   = "put"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_requests_total",
			Help: "Requests served, by outcome",
		},
		[]string{"result"},
	)
	storeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_store_errors_total",
			Help: "Failed store operations",
		},
		[]string{"operation"},
	)
)
