package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcilePasses tracks reconciliation passes by result
	ReconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsforge_reconcile_passes_total",
		Help: "Total number of reconciliation passes",
	}, []string{"result"})

	// ReconcileMutations tracks provider mutations applied by the reconciler
	ReconcileMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsforge_reconcile_mutations_total",
		Help: "Total number of provider mutations attempted during reconciliation",
	}, []string{"op", "result"})

	// ReconcileDuration tracks how long a full reconciliation pass takes
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dnsforge_reconcile_duration_seconds",
		Help:    "Histogram of reconciliation pass duration",
		Buckets: prometheus.DefBuckets,
	})

	// IssuanceStages tracks certificate pipeline stage executions by outcome
	IssuanceStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsforge_issuance_stages_total",
		Help: "Total number of certificate issuance stage executions",
	}, []string{"stage", "outcome"})

	// ChallengeChecks tracks live DNS challenge verification attempts
	ChallengeChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnsforge_challenge_checks_total",
		Help: "Total number of DNS-01 challenge verification lookups",
	}, []string{"result"})

	// RecordsPurged tracks expired records removed by the sweeper
	RecordsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dnsforge_records_purged_total",
		Help: "Total number of expired records purged",
	})
)
