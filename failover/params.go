package failover

import (
	"log/slog"
	"time"

	"github.com/siddontang/go/sync2"
)

// Defaults of the original fast_failover plugin.
const (
	DefaultPollingInterval  = 10 * time.Second
	DefaultFailureThreshold = 6
	DefaultCooldown         = 600 * time.Second
	DefaultElectOnShutdown  = false

	DefaultProbeTimeout    = 5 * time.Second
	DefaultPeerTimeout     = 2 * time.Second
	DefaultPromoteTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 90 * time.Second
)

// Params are the runtime-tunable settings of the monitor. Every value is read
// fresh each round, so a change takes effect without restarting the worker.
type Params struct {
	pollingInterval  sync2.AtomicDuration
	failureThreshold sync2.AtomicInt64
	cooldown         sync2.AtomicDuration
	enabled          sync2.AtomicBool
	electOnShutdown  sync2.AtomicBool

	probeTimeout    sync2.AtomicDuration
	peerTimeout     sync2.AtomicDuration
	promoteTimeout  sync2.AtomicDuration
	shutdownTimeout sync2.AtomicDuration

	logger *slog.Logger
}

// ParamsSnapshot is a point-in-time copy of Params.
type ParamsSnapshot struct {
	PollingIntervalSeconds int64 `json:"polling_interval_seconds"`
	FailureThreshold       int64 `json:"failure_threshold"`
	CooldownSeconds        int64 `json:"cooldown_seconds"`
	Enabled                bool  `json:"enabled"`
	ElectOnShutdown        bool  `json:"elect_on_shutdown"`
}

func NewDefaultParams() *Params {
	p := &Params{logger: slog.Default()}
	p.pollingInterval.Set(DefaultPollingInterval)
	p.failureThreshold.Set(DefaultFailureThreshold)
	p.cooldown.Set(DefaultCooldown)
	p.enabled.Set(true)
	p.electOnShutdown.Set(DefaultElectOnShutdown)
	p.probeTimeout.Set(DefaultProbeTimeout)
	p.peerTimeout.Set(DefaultPeerTimeout)
	p.promoteTimeout.Set(DefaultPromoteTimeout)
	p.shutdownTimeout.Set(DefaultShutdownTimeout)
	return p
}

func (p *Params) SetLogger(logger *slog.Logger) {
	p.logger = logger
}

func (p *Params) PollingInterval() time.Duration { return p.pollingInterval.Get() }
func (p *Params) FailureThreshold() int          { return int(p.failureThreshold.Get()) }
func (p *Params) Cooldown() time.Duration        { return p.cooldown.Get() }
func (p *Params) Enabled() bool                  { return p.enabled.Get() }
func (p *Params) ElectOnShutdown() bool          { return p.electOnShutdown.Get() }
func (p *Params) ProbeTimeout() time.Duration    { return p.probeTimeout.Get() }
func (p *Params) PeerTimeout() time.Duration     { return p.peerTimeout.Get() }
func (p *Params) PromoteTimeout() time.Duration  { return p.promoteTimeout.Get() }
func (p *Params) ShutdownTimeout() time.Duration { return p.shutdownTimeout.Get() }

func (p *Params) SetPollingInterval(d time.Duration) { p.pollingInterval.Set(d) }
func (p *Params) SetFailureThreshold(n int)          { p.failureThreshold.Set(int64(n)) }
func (p *Params) SetCooldown(d time.Duration)        { p.cooldown.Set(d) }
func (p *Params) SetElectOnShutdown(on bool)         { p.electOnShutdown.Set(on) }
func (p *Params) SetProbeTimeout(d time.Duration)    { p.probeTimeout.Set(d) }
func (p *Params) SetPeerTimeout(d time.Duration)     { p.peerTimeout.Set(d) }
func (p *Params) SetPromoteTimeout(d time.Duration)  { p.promoteTimeout.Set(d) }
func (p *Params) SetShutdownTimeout(d time.Duration) { p.shutdownTimeout.Set(d) }

// SetEnabled turns the failover checks on or off.
func (p *Params) SetEnabled(on bool) {
	if p.enabled.Get() == on {
		return
	}
	p.enabled.Set(on)
	if on {
		p.logger.Info("failover on")
	} else {
		p.logger.Info("failover off")
	}
}

func (p *Params) Snapshot() ParamsSnapshot {
	return ParamsSnapshot{
		PollingIntervalSeconds: int64(p.PollingInterval() / time.Second),
		FailureThreshold:       int64(p.FailureThreshold()),
		CooldownSeconds:        int64(p.Cooldown() / time.Second),
		Enabled:                p.Enabled(),
		ElectOnShutdown:        p.ElectOnShutdown(),
	}
}

// Apply sets every tunable from s.
func (p *Params) Apply(s ParamsSnapshot) {
	p.SetPollingInterval(time.Duration(s.PollingIntervalSeconds) * time.Second)
	p.SetFailureThreshold(int(s.FailureThreshold))
	p.SetCooldown(time.Duration(s.CooldownSeconds) * time.Second)
	p.SetElectOnShutdown(s.ElectOnShutdown)
	p.SetEnabled(s.Enabled)
}
