// Package election picks a replacement primary and drives the promotion.
package election

import (
	"context"
	"log/slog"
	"time"

	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-failover/topology"
	"github.com/go-mysql-org/go-failover/utils"
)

const (
	StepStopReplication = "stop replication"
	StepPromoteLocal    = "disable read-only"
	StepSetReadOnly     = "enable read-only"
	StepRepoint         = "repoint replication"
	StepRecord          = "record primary"
)

// Coordinator elects and promotes primaries for the local service.
type Coordinator struct {
	store   *topology.Store
	repl    Replication
	selfID  uint32
	timeout func() time.Duration
	logger  *slog.Logger

	// last target promoted per tier, for idempotence
	promoted map[uint32]uint32
}

// NewCoordinator creates a coordinator. timeout bounds each external step and
// is read on every promotion.
func NewCoordinator(store *topology.Store, repl Replication, selfID uint32, timeout func() time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		repl:     repl,
		selfID:   selfID,
		timeout:  timeout,
		logger:   logger,
		promoted: make(map[uint32]uint32),
	}
}

// Elect returns the best replacement for the service being replaced: the
// recorded primary, or the local service if no primary is recorded. The
// candidate is the first promotable service in ListServices order, so the
// same topology always yields the same target.
func (c *Coordinator) Elect(tierID uint32) (topology.Service, error) {
	services, err := c.store.ListServices(tierID)
	if err != nil {
		return topology.Service{}, err
	}

	replaced := c.selfID
	primary, ok, err := c.store.Primary(tierID)
	if err != nil {
		return topology.Service{}, err
	}
	if ok {
		replaced = primary.ID
	}

	for _, svc := range services {
		if svc.ID == replaced || !svc.CanPromote() {
			continue
		}
		return svc, nil
	}

	return topology.Service{}, errors.Trace(&topology.ConfigError{
		TierID: tierID,
		Reason: "no promotable service",
	})
}

// Promote makes target the primary of the tier. Promoting the same target
// again without a topology change in between is a no-op. On failure the
// local node is left read-only and a *PromotionError is returned.
func (c *Coordinator) Promote(ctx context.Context, tierID uint32, target topology.Service) error {
	if c.alreadyPromoted(tierID, target) {
		c.logger.Debug("target already primary, skip promotion", slog.String("target", target.String()))
		return nil
	}

	var err error
	if target.ID == c.selfID {
		err = c.promoteLocal(ctx, tierID, target)
	} else {
		err = c.promoteRemote(ctx, tierID, target)
	}
	if err != nil {
		return err
	}

	c.promoted[tierID] = target.ID
	c.logger.Info("promotion done",
		slog.Uint64("tier", uint64(tierID)),
		slog.String("target", target.String()),
		slog.Bool("local", target.ID == c.selfID))
	return nil
}

func (c *Coordinator) alreadyPromoted(tierID uint32, target topology.Service) bool {
	if c.promoted[tierID] != target.ID {
		return false
	}
	primary, ok, err := c.store.Primary(tierID)
	return err == nil && ok && primary.ID == target.ID
}

// promoteLocal cuts off the stale primary, then opens the local node for
// writes, then records it.
func (c *Coordinator) promoteLocal(ctx context.Context, tierID uint32, target topology.Service) error {
	if err := c.step(ctx, StepStopReplication, c.repl.StopReplication); err != nil {
		return c.fail(ctx, target, StepStopReplication, err)
	}
	if err := c.step(ctx, StepPromoteLocal, c.repl.PromoteLocal); err != nil {
		return c.fail(ctx, target, StepPromoteLocal, err)
	}
	if err := c.record(tierID, target); err != nil {
		return c.fail(ctx, target, StepRecord, err)
	}
	return nil
}

// promoteRemote keeps the local node read-only and points it at target
// before declaring target primary.
func (c *Coordinator) promoteRemote(ctx context.Context, tierID uint32, target topology.Service) error {
	if err := c.step(ctx, StepSetReadOnly, c.repl.SetReadOnly); err != nil {
		return c.fail(ctx, target, StepSetReadOnly, err)
	}

	repoint := func(ctx context.Context) error {
		return c.repl.RepointReplication(ctx, target.Addr)
	}
	if err := c.step(ctx, StepRepoint, repoint); err != nil {
		return c.fail(ctx, target, StepRepoint, err)
	}
	if err := c.record(tierID, target); err != nil {
		return c.fail(ctx, target, StepRecord, err)
	}
	return nil
}

func (c *Coordinator) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return utils.RunWithTimeout(ctx, name, c.timeout(), fn)
}

// record stores the new primary, restoring the previous one if the catalog
// write fails.
func (c *Coordinator) record(tierID uint32, target topology.Service) error {
	previous, hadPrevious, err := c.store.Primary(tierID)
	if err != nil {
		return err
	}

	if err = c.store.SetPrimary(tierID, target.ID); err != nil {
		return err
	}

	if err = c.store.Persist(tierID); err != nil {
		var rerr error
		if hadPrevious {
			rerr = c.store.SetPrimary(tierID, previous.ID)
		} else {
			rerr = c.store.ClearPrimary(tierID)
		}
		if rerr != nil {
			c.logger.Error("restore previous primary failed", slog.Any("err", rerr))
		}
		return err
	}
	return nil
}

// fail fences the local node and wraps err. It never leaves the node writable.
func (c *Coordinator) fail(ctx context.Context, target topology.Service, step string, err error) error {
	if ferr := c.step(context.WithoutCancel(ctx), StepSetReadOnly, c.repl.SetReadOnly); ferr != nil {
		c.logger.Error("could not restore read-only after failed promotion",
			slog.String("target", target.String()),
			slog.Any("err", ferr))
	}
	return errors.Trace(&PromotionError{Target: target, Step: step, Err: err})
}
