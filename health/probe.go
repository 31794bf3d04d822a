// Package health checks whether the local service can still take writes and
// confirm its replication heartbeat.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-failover/topology"
	"github.com/go-mysql-org/go-failover/utils"
)

// Opaque master-status codes used when the collaborator gives none.
const (
	CodeHealthy         = 0
	CodeNotWritable     = 1
	CodeTopologyUpdate  = 2
	CodeProbeError      = 3
	CodeProbeTimeout    = 4
	CodeWritePreference = -1
)

// Result is the outcome of one local probe.
type Result struct {
	Writable         bool
	TopologyUpdateOK bool
	FailureCode      int
}

// Healthy reports a writable, heartbeat-confirmed node with no failure signal.
func (r Result) Healthy() bool {
	return r.Writable && r.TopologyUpdateOK && r.FailureCode == CodeHealthy
}

// MasterStatus is the value published as the node's master status, 0 only
// for a healthy result.
func (r Result) MasterStatus() int {
	switch {
	case r.FailureCode != CodeHealthy:
		return r.FailureCode
	case !r.Writable:
		return CodeNotWritable
	case !r.TopologyUpdateOK:
		return CodeTopologyUpdate
	default:
		return CodeHealthy
	}
}

// LocalNode is the replication engine of the local service.
type LocalNode interface {
	ProbeLocalHealth(ctx context.Context) (Result, error)
}

// Probe wraps a LocalNode with a bounded wait.
type Probe struct {
	node    LocalNode
	timeout func() time.Duration
	logger  *slog.Logger
}

// NewProbe creates a probe. timeout is consulted on every call so it can be
// tuned while the monitor runs.
func NewProbe(node LocalNode, timeout func() time.Duration, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{node: node, timeout: timeout, logger: logger}
}

// CheckLocal probes the local node. A timeout returns a failed result along
// with a *utils.TimeoutError. An unknown tier or service is returned as is;
// any other collaborator error is folded into a failed result, so callers
// always get something to count.
func (p *Probe) CheckLocal(ctx context.Context) (Result, error) {
	var r Result
	err := utils.RunWithTimeout(ctx, "probe local health", p.timeout(), func(ctx context.Context) error {
		var err error
		r, err = p.node.ProbeLocalHealth(ctx)
		return err
	})

	switch {
	case err == nil:
		return r, nil
	case utils.IsTimeout(err):
		p.logger.Debug("local probe timed out", slog.Any("err", err))
		return Result{FailureCode: CodeProbeTimeout}, err
	case errors.Cause(err) == context.Canceled, topology.IsNotFound(err):
		return Result{FailureCode: CodeProbeError}, errors.Trace(err)
	default:
		p.logger.Debug("local probe failed", slog.Any("err", err))
		code := r.FailureCode
		if code == CodeHealthy {
			code = CodeProbeError
		}
		return Result{FailureCode: code}, nil
	}
}
