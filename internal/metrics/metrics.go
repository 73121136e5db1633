package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quizbot_sessions_started_total",
			Help: "Quiz sessions admitted by the session registry",
		},
	)

	SessionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizbot_session_outcomes_total",
			Help: "Quiz sessions by terminal outcome",
		},
		[]string{"outcome"},
	)

	AnswersRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizbot_answers_total",
			Help: "Answers recorded, labelled correct/incorrect/skipped",
		},
		[]string{"result"},
	)

	QuestionFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizbot_question_fetch_total",
			Help: "Question fetch attempts per query strategy",
		},
		[]string{"strategy", "result"},
	)

	LeaderboardSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizbot_leaderboard_submissions_total",
			Help: "Leaderboard upserts by result",
		},
		[]string{"result"},
	)

	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizbot_gateway_events_total",
			Help: "Events received from gateway connections",
		},
		[]string{"type"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionsStarted,
			SessionOutcomes,
			AnswersRecorded,
			QuestionFetches,
			LeaderboardSubmissions,
			InboundEvents,
		)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
