package failover

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-failover/election"
	"github.com/go-mysql-org/go-failover/health"
	"github.com/go-mysql-org/go-failover/quorum"
	"github.com/go-mysql-org/go-failover/topology"
	"github.com/go-mysql-org/go-failover/utils"
)

// Phase is where a monitor round ended.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePolling
	PhaseHealthy
	PhaseSuspect
	PhaseQuorumCheck
	PhaseCooldownGate
	PhaseElecting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePolling:
		return "polling"
	case PhaseHealthy:
		return "healthy"
	case PhaseSuspect:
		return "suspect"
	case PhaseQuorumCheck:
		return "quorum_check"
	case PhaseCooldownGate:
		return "cooldown_gate"
	case PhaseElecting:
		return "electing"
	default:
		return "unknown"
	}
}

type HealthChecker interface {
	CheckLocal(ctx context.Context) (health.Result, error)
}

type VoteCollector interface {
	CollectVotes(ctx context.Context, tierID uint32, localStatus int) ([]quorum.Vote, error)
	HasQuorum(votes []quorum.Vote) bool
}

type Elector interface {
	Elect(tierID uint32) (topology.Service, error)
	Promote(ctx context.Context, tierID uint32, target topology.Service) error
}

type MonitorOption func(*Monitor)

func WithClock(clock clockwork.Clock) MonitorOption {
	return func(m *Monitor) {
		m.clock = clock
	}
}

func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// Monitor is the failover worker of one service. It polls local health,
// asks peers for a quorum once the failure threshold is crossed and runs an
// election when the cooldown allows it.
type Monitor struct {
	tierID  uint32
	params  *Params
	probe   HealthChecker
	voter   VoteCollector
	elector Elector

	clock  clockwork.Clock
	logger *slog.Logger

	state State
}

// NewMonitor validates the tier and builds a monitor. A tier that cannot
// reach quorum once its primary is gone, or has no promotable service, is a
// *topology.ConfigError.
func NewMonitor(store *topology.Store, tierID uint32, params *Params, probe HealthChecker, voter VoteCollector, elector Elector, options ...MonitorOption) (*Monitor, error) {
	m := &Monitor{
		tierID:  tierID,
		params:  params,
		probe:   probe,
		voter:   voter,
		elector: elector,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, o := range options {
		o(m)
	}

	if params.FailureThreshold() < 0 {
		return nil, errors.Trace(&topology.ConfigError{TierID: tierID, Reason: "negative failure threshold"})
	}
	if params.PollingInterval() <= 0 {
		return nil, errors.Trace(&topology.ConfigError{TierID: tierID, Reason: "polling interval must be positive"})
	}
	voters, err := store.EligibleVoters(tierID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	primary, ok, err := store.Primary(tierID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// with the primary gone, the rest of the tier must still form a quorum
	survivors := len(voters)
	if ok && primary.CanVote() {
		survivors--
	}
	if survivors < 2 {
		return nil, errors.Trace(&topology.ConfigError{TierID: tierID, Reason: "fewer than two voters besides the primary"})
	}
	if _, err := elector.Elect(tierID); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

func (m *Monitor) Status() Status {
	return m.state.Snapshot()
}

// Run polls until ctx is done. Cancellation is checked between rounds only;
// a round in flight completes under its own timeouts. If the shutdown
// election is enabled, one election runs before Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("failover monitor started",
		slog.Uint64("tier", uint64(m.tierID)),
		slog.Duration("interval", m.params.PollingInterval()),
		slog.Int("threshold", m.params.FailureThreshold()))

	roundCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return m.shutdown()
		case <-m.clock.After(m.params.PollingInterval()):
		}

		if !m.params.Enabled() {
			continue
		}

		phase, err := m.RunRound(roundCtx)
		roundsTotal.WithLabelValues(phase.String()).Inc()
		if err != nil {
			m.logger.Error("failover monitor stopped", slog.String("phase", phase.String()), slog.Any("err", err))
			return errors.Trace(err)
		}
	}
}

// RunRound runs one poll. It returns the phase the round ended in. Failed
// promotions and timeouts are logged and retried next round; only topology
// errors come back to the caller.
func (m *Monitor) RunRound(ctx context.Context) (Phase, error) {
	res, err := m.probe.CheckLocal(ctx)
	if err != nil && !utils.IsTimeout(err) {
		return PhasePolling, errors.Trace(err)
	}

	m.state.setMasterStatus(res.MasterStatus())
	masterStatusGauge.Set(float64(res.MasterStatus()))

	if res.Healthy() {
		m.state.resetFailures()
		failuresGauge.Set(0)
		return PhaseHealthy, nil
	}

	failures := m.state.incFailures()
	probeFailuresTotal.Inc()
	failuresGauge.Set(float64(failures))
	threshold := m.params.FailureThreshold()
	m.logger.Warn("local health check failed",
		slog.Int("code", res.FailureCode),
		slog.Int("failures", failures),
		slog.Int("threshold", threshold))

	if failures <= threshold {
		return PhaseSuspect, nil
	}

	votes, err := m.voter.CollectVotes(ctx, m.tierID, res.MasterStatus())
	if err != nil {
		return PhaseQuorumCheck, errors.Trace(err)
	}
	if !m.voter.HasQuorum(votes) {
		quorumMissesTotal.Inc()
		reachable, affirmative := quorum.Count(votes)
		m.logger.Info("no quorum for election",
			slog.Int("reachable", reachable),
			slog.Int("affirmative", affirmative))
		return PhaseQuorumCheck, nil
	}

	if !m.cooldownElapsed() {
		last, _ := m.state.lastElectionTime()
		m.logger.Info("election suppressed by cooldown",
			slog.Time("last_election", last),
			slog.Duration("cooldown", m.params.Cooldown()))
		return PhaseCooldownGate, nil
	}

	if err = m.elect(ctx, "quorum reached"); err != nil {
		if isRetryable(err) {
			return PhaseElecting, nil
		}
		return PhaseElecting, errors.Trace(err)
	}
	return PhaseElecting, nil
}

func (m *Monitor) cooldownElapsed() bool {
	last, ok := m.state.lastElectionTime()
	if !ok {
		return true
	}
	return m.clock.Since(last) >= m.params.Cooldown()
}

func (m *Monitor) elect(ctx context.Context, reason string) error {
	target, err := m.elector.Elect(m.tierID)
	if err != nil {
		return errors.Trace(err)
	}

	id := uuid.New().String()
	m.logger.Info("start election",
		slog.String("election", id),
		slog.String("reason", reason),
		slog.String("target", target.String()))

	start := m.clock.Now()
	if err = m.elector.Promote(ctx, m.tierID, target); err != nil {
		promotionFailuresTotal.Inc()
		m.logger.Error("election failed",
			slog.String("election", id),
			slog.String("target", target.String()),
			slog.Any("err", err))
		return errors.Trace(err)
	}

	now := m.clock.Now()
	m.state.recordElection(now, id, target.ID)
	electionsTotal.Inc()
	failuresGauge.Set(0)
	m.logger.Info("election done",
		slog.String("election", id),
		slog.String("target", target.String()),
		slog.Duration("took", now.Sub(start)))
	return nil
}

func (m *Monitor) shutdown() error {
	if !m.params.ElectOnShutdown() {
		m.logger.Info("failover monitor stopped")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.params.ShutdownTimeout())
	defer cancel()

	err := m.elect(ctx, "shutdown")
	if err != nil && isRetryable(err) {
		// nothing left to retry on; the error is already logged
		err = nil
	}
	m.logger.Info("failover monitor stopped")
	return errors.Trace(err)
}

func isRetryable(err error) bool {
	return election.IsPromotionError(err) || utils.IsTimeout(err)
}
