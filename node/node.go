// Package node adapts a MySQL server to the failover worker: it probes the
// write path, fences and promotes the local server and compares GTID sets
// with peers.
package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-failover/health"
	"github.com/go-mysql-org/go-failover/topology"
)

type Config struct {
	Addr           string
	User           User
	ReplUser       User
	ConnectTimeout time.Duration
}

// server is the part of *Server a Node drives.
type server interface {
	ReadOnly(ctx context.Context) (bool, error)
	SetReadOnly(ctx context.Context, on bool) error
	GTIDMode(ctx context.Context) (string, error)
	ExecutedGTIDSet(ctx context.Context) (mysql.GTIDSet, error)
	WaitRelayLogDone(ctx context.Context) error
	StopSlave(ctx context.Context) error
	ChangeMasterTo(ctx context.Context, addr string) error
	Close()
}

// Node is the local MySQL server of one service of a tier.
type Node struct {
	local  server
	cfg    Config
	store  *topology.Store
	tierID uint32
	selfID uint32
	logger *slog.Logger

	connect func(addr string) server

	mu    sync.Mutex
	peers map[string]server
}

func New(cfg Config, store *topology.Store, tierID uint32, selfID uint32, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		cfg:    cfg,
		store:  store,
		tierID: tierID,
		selfID: selfID,
		logger: logger,
		peers:  make(map[string]server),
	}
	n.connect = func(addr string) server {
		return NewServer(addr, cfg.User, cfg.ReplUser, cfg.ConnectTimeout)
	}
	n.local = n.connect(cfg.Addr)
	return n
}

func (n *Node) Close() {
	n.local.Close()

	n.mu.Lock()
	defer n.mu.Unlock()
	for addr, s := range n.peers {
		s.Close()
		delete(n.peers, addr)
	}
}

func (n *Node) peer(addr string) server {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.peers[addr]
	if !ok {
		s = n.connect(addr)
		n.peers[addr] = s
	}
	return s
}

// ProbeLocalHealth checks the write path the local service depends on: the
// local server when it is the recorded primary, the recorded primary
// otherwise. The heartbeat is a touch of the service in the catalog. A
// writable primary with a reachable, strictly better scored candidate is
// reported as write preference drift, so the tier agrees on a planned
// promotion.
func (n *Node) ProbeLocalHealth(ctx context.Context) (health.Result, error) {
	primary, ok, err := n.store.Primary(n.tierID)
	if err != nil {
		return health.Result{FailureCode: health.CodeProbeError}, errors.Trace(err)
	}

	target, addr := n.local, n.cfg.Addr
	remote := ok && primary.ID != n.selfID
	if remote {
		target, addr = n.peer(primary.Addr), primary.Addr
	}

	var res health.Result
	readOnly, err := target.ReadOnly(ctx)
	if err != nil {
		n.logger.Debug("read read_only failed", slog.String("addr", addr), slog.Any("err", err))
		res.FailureCode = health.CodeNotWritable
		return res, nil
	}
	res.Writable = !readOnly

	if remote {
		if localReadOnly, err := n.local.ReadOnly(ctx); err == nil && !localReadOnly {
			n.logger.Warn("local server is writable but not the recorded primary",
				slog.String("primary", primary.String()))
		}
	}

	if ok && res.Writable {
		if better, found := n.preferredOver(ctx, primary); found {
			n.logger.Info("write preference drift",
				slog.String("primary", primary.String()),
				slog.String("preferred", better.String()))
			res.FailureCode = health.CodeWritePreference
		}
	}

	if err = n.store.Touch(n.tierID, n.selfID); err != nil {
		n.logger.Debug("topology heartbeat failed", slog.Any("err", err))
	} else {
		res.TopologyUpdateOK = true
	}
	return res, nil
}

// preferredOver returns a reachable promotable service with a strictly
// better score than primary.
func (n *Node) preferredOver(ctx context.Context, primary topology.Service) (topology.Service, bool) {
	services, err := n.store.ListServices(n.tierID)
	if err != nil {
		return topology.Service{}, false
	}
	for _, svc := range services {
		if svc.Score >= primary.Score {
			break
		}
		if svc.ID == primary.ID || !svc.CanPromote() {
			continue
		}
		if svc.ID != n.selfID {
			if _, err := n.peer(svc.Addr).ReadOnly(ctx); err != nil {
				continue
			}
		}
		return svc, true
	}
	return topology.Service{}, false
}

// StopReplication applies what was already fetched from the old primary and
// stops replicating.
func (n *Node) StopReplication(ctx context.Context) error {
	if err := n.local.WaitRelayLogDone(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(n.local.StopSlave(ctx))
}

func (n *Node) PromoteLocal(ctx context.Context) error {
	return errors.Trace(n.local.SetReadOnly(ctx, false))
}

func (n *Node) SetReadOnly(ctx context.Context) error {
	return errors.Trace(n.local.SetReadOnly(ctx, true))
}

func (n *Node) RepointReplication(ctx context.Context, addr string) error {
	return errors.Trace(n.local.ChangeMasterTo(ctx, addr))
}

func (n *Node) GTIDMode(ctx context.Context) (string, error) {
	return n.local.GTIDMode(ctx)
}

func (n *Node) IsWritable(ctx context.Context) (bool, error) {
	readOnly, err := n.local.ReadOnly(ctx)
	if err != nil {
		return false, err
	}
	return !readOnly, nil
}

// ReplicaAhead reports whether the server at addr has executed every local
// transaction plus at least one more.
func (n *Node) ReplicaAhead(ctx context.Context, addr string) (bool, error) {
	local, err := n.local.ExecutedGTIDSet(ctx)
	if err != nil {
		return false, err
	}
	remote, err := n.peer(addr).ExecutedGTIDSet(ctx)
	if err != nil {
		return false, err
	}
	return gtidAhead(local, remote), nil
}

func gtidAhead(local, remote mysql.GTIDSet) bool {
	return remote.Contain(local) && !remote.Equal(local)
}
