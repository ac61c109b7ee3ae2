package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captcha_challenges_issued_total",
		Help: "The total number of challenges issued",
	}, []string{"method"})

	challengesValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captcha_challenges_validated_total",
		Help: "The total number of verification attempts by outcome",
	}, []string{"result"})

	challengesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "captcha_challenges_reclaimed_total",
		Help: "The total number of expired challenges removed by sweeps",
	})

	liveChallenges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "captcha_live_challenges",
		Help: "The number of challenges in the store at the last sweep or stats call",
	})
)

// Verification outcomes, used as the result label.
const (
	resultPass      = "pass"
	resultFail      = "fail"
	resultExpired   = "expired"
	resultMissing   = "missing"
	resultMalformed = "malformed"
)
