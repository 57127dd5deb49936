package smoketest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusLabel = "status"
	checkLabel  = "check"
)

var (
	smokeTestRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smoke_test_runs",
		Help: "The number of smoke test runs.",
	}, []string{statusLabel})

	smokeTestCheckFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smoke_test_check_failures",
		Help: "The number of failed smoke test checks.",
	}, []string{checkLabel})
)

func instrumentRun(res Results) {
	smokeTestRuns.
		With(prometheus.Labels{statusLabel: string(res.Status)}).
		Inc()

	for _, c := range res.Checks {
		if c.Status == StatusFailed {
			smokeTestCheckFailures.
				With(prometheus.Labels{checkLabel: c.Name}).
				Inc()
		}
	}
}
