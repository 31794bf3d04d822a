package failover

import (
	"context"
	"log/slog"
	"time"

	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-failover/election"
	"github.com/go-mysql-org/go-failover/topology"
	"github.com/go-mysql-org/go-failover/utils"
)

const (
	GTIDModeOn  = "ON"
	GTIDModeOff = "OFF"
)

// BootstrapNode is what Bootstrap needs to know about the local server.
type BootstrapNode interface {
	GTIDMode(ctx context.Context) (string, error)
	IsWritable(ctx context.Context) (bool, error)
	// ReplicaAhead reports whether the server at addr has executed every
	// local transaction and more.
	ReplicaAhead(ctx context.Context, addr string) (bool, error)
}

// Bootstrap checks the local node before the monitor starts. GTID mode must
// be on. A node that comes up writable while some replica has already moved
// past it was a primary that got replaced while it was down: it is fenced
// and repointed at that replica.
func Bootstrap(ctx context.Context, store *topology.Store, tierID uint32, selfID uint32, node BootstrapNode, repl election.Replication, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var mode string
	err := utils.RunWithTimeout(ctx, "read gtid_mode", timeout, func(ctx context.Context) (err error) {
		mode, err = node.GTIDMode(ctx)
		return err
	})
	if err != nil {
		return errors.Trace(err)
	}
	if mode != GTIDModeOn {
		return errors.Trace(&topology.ConfigError{TierID: tierID, Reason: "failover only supports GTID mode, gtid_mode is " + mode})
	}

	var writable bool
	err = utils.RunWithTimeout(ctx, "read read_only", timeout, func(ctx context.Context) (err error) {
		writable, err = node.IsWritable(ctx)
		return err
	})
	if err != nil {
		return errors.Trace(err)
	}
	if !writable {
		return nil
	}

	primary, ok, err := store.Primary(tierID)
	if err != nil {
		return errors.Trace(err)
	}
	if ok && primary.ID == selfID {
		return nil
	}

	services, err := store.ListServices(tierID)
	if err != nil {
		return errors.Trace(err)
	}

	for _, svc := range services {
		if svc.ID == selfID || !svc.OpMask.Has(topology.OpReplicate) {
			continue
		}

		var ahead bool
		err = utils.RunWithTimeout(ctx, "compare gtid sets", timeout, func(ctx context.Context) (err error) {
			ahead, err = node.ReplicaAhead(ctx, svc.Addr)
			return err
		})
		if err != nil {
			logger.Warn("compare gtid sets failed", slog.String("peer", svc.String()), slog.Any("err", err))
			continue
		}
		if !ahead {
			continue
		}

		logger.Warn("local node is a stale primary, rejoin as replica", slog.String("source", svc.String()))
		if err = utils.RunWithTimeout(ctx, election.StepSetReadOnly, timeout, repl.SetReadOnly); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(utils.RunWithTimeout(ctx, election.StepRepoint, timeout, func(ctx context.Context) error {
			return repl.RepointReplication(ctx, svc.Addr)
		}))
	}

	return nil
}
