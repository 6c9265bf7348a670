package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tribune"

// Recorder groups the engine counters. A nil *Recorder records nothing.
type Recorder struct {
	votesCast         prometheus.Counter
	votesSwitched     prometheus.Counter
	votesWithdrawn    prometheus.Counter
	leadershipChanges *prometheus.CounterVec
	rewardsIssued     *prometheus.CounterVec
	projectsPublished prometheus.Counter
	publishFailures   prometheus.Counter
	scanRuns          prometheus.Counter
	httpRequests      *prometheus.CounterVec
}

// NewRecorder builds the engine counters and registers them with the registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	recorder := &Recorder{
		votesCast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_cast_total", Help: "Total votes cast",
		}),
		votesSwitched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_switched_total", Help: "Total votes moved to another proposal",
		}),
		votesWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_withdrawn_total", Help: "Total votes withdrawn",
		}),
		leadershipChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "leadership_changes_total", Help: "Leadership transitions by kind",
		}, []string{"kind"}),
		rewardsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reward_weight_total", Help: "Weight credited as rewards by reason",
		}, []string{"reason"}),
		projectsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "projects_published_total", Help: "Total projects published",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_failures_total", Help: "Publish attempts rolled back by an error",
		}),
		scanRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_scans_total", Help: "Completed scans for publishable projects",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
	}
	if registerer == nil {
		return recorder, nil
	}
	collectors := []prometheus.Collector{
		recorder.votesCast,
		recorder.votesSwitched,
		recorder.votesWithdrawn,
		recorder.leadershipChanges,
		recorder.rewardsIssued,
		recorder.projectsPublished,
		recorder.publishFailures,
		recorder.scanRuns,
		recorder.httpRequests,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

func (r *Recorder) VoteCast() {
	if r == nil {
		return
	}
	r.votesCast.Inc()
}

func (r *Recorder) VoteSwitched() {
	if r == nil {
		return
	}
	r.votesSwitched.Inc()
}

func (r *Recorder) VoteWithdrawn() {
	if r == nil {
		return
	}
	r.votesWithdrawn.Inc()
}

// LeadershipChanged counts a transition; kind is "first" or "takeover".
func (r *Recorder) LeadershipChanged(kind string) {
	if r == nil {
		return
	}
	r.leadershipChanges.WithLabelValues(kind).Inc()
}

func (r *Recorder) RewardIssued(reason string, amount int64) {
	if r == nil || amount <= 0 {
		return
	}
	r.rewardsIssued.WithLabelValues(reason).Add(float64(amount))
}

func (r *Recorder) ProjectPublished() {
	if r == nil {
		return
	}
	r.projectsPublished.Inc()
}

func (r *Recorder) PublishFailed() {
	if r == nil {
		return
	}
	r.publishFailures.Inc()
}

func (r *Recorder) ScanCompleted() {
	if r == nil {
		return
	}
	r.scanRuns.Inc()
}

// HTTPRequest counts a served request. Unmatched routes are reported as "unmatched".
func (r *Recorder) HTTPRequest(route, method string, status int) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}
