package quorum

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"

	"github.com/go-mysql-org/go-failover/topology"
	"github.com/go-mysql-org/go-failover/utils"
)

// defaultFanout bounds how many peers are queried at once.
const defaultFanout = 8

// Vote is one peer's view of the primary for a single round.
type Vote struct {
	ServiceID uint32
	Addr      string
	Reachable bool
	// Status is the peer's published master status, 0 means it sees a healthy primary.
	Status int
}

// Affirmative reports a reachable peer that also observes a failure.
func (v Vote) Affirmative() bool {
	return v.Reachable && v.Status != 0
}

func (v Vote) String() string {
	if !v.Reachable {
		return fmt.Sprintf("%d@%s:unreachable", v.ServiceID, v.Addr)
	}
	return fmt.Sprintf("%d@%s:%d", v.ServiceID, v.Addr, v.Status)
}

// PeerQuerier reads the master status a peer currently publishes. Any error
// means the peer is unreachable for this round.
type PeerQuerier interface {
	QueryPeerStatus(ctx context.Context, addr string) (int, error)
}

// Voter gathers peer votes for a tier.
type Voter struct {
	store   *topology.Store
	peers   PeerQuerier
	selfID  uint32
	timeout func() time.Duration
	fanout  int
	logger  *slog.Logger
}

// NewVoter creates a voter. selfID is the local service; its vote comes from
// the caller's own probe rather than a query. timeout bounds each peer query
// and is read per round.
func NewVoter(store *topology.Store, peers PeerQuerier, selfID uint32, timeout func() time.Duration, logger *slog.Logger) *Voter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Voter{
		store:   store,
		peers:   peers,
		selfID:  selfID,
		timeout: timeout,
		fanout:  defaultFanout,
		logger:  logger,
	}
}

// CollectVotes takes a vote from every voting service of the tier. The local
// service, when it is a voter, votes localStatus; the others are queried.
// Tier shape errors (unknown tier, too few voters) are returned; peer
// failures only mark the vote unreachable.
func (v *Voter) CollectVotes(ctx context.Context, tierID uint32, localStatus int) ([]Vote, error) {
	voters, err := v.store.EligibleVoters(tierID)
	if err != nil {
		return nil, err
	}

	votes := make([]Vote, 0, len(voters))
	var self *Vote
	for _, svc := range voters {
		if svc.ID == v.selfID {
			self = &Vote{ServiceID: svc.ID, Addr: svc.Addr, Reachable: true, Status: localStatus}
			continue
		}
		votes = append(votes, Vote{ServiceID: svc.ID, Addr: svc.Addr})
	}

	timeout := v.timeout()

	var g errgroup.Group
	g.SetLimit(v.fanout)
	for i := range votes {
		vote := &votes[i]
		g.Go(func() error {
			var status int
			err := utils.RunWithTimeout(ctx, "query peer "+vote.Addr, timeout, func(ctx context.Context) error {
				var err error
				status, err = v.peers.QueryPeerStatus(ctx, vote.Addr)
				return err
			})
			if err != nil {
				v.logger.Debug("peer unreachable",
					slog.Uint64("service", uint64(vote.ServiceID)),
					slog.String("addr", vote.Addr),
					slog.Any("err", err))
				return nil
			}
			vote.Reachable = true
			vote.Status = status
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if self != nil {
		votes = append(votes, *self)
	}
	return votes, nil
}

// HasQuorum reports whether a strict majority of the reachable voters observe
// a failure. At least two voters must be reachable, so a lone voter can never
// carry an election.
func HasQuorum(votes []Vote) bool {
	reachable, affirmative := Count(votes)
	if reachable < 2 {
		return false
	}
	return 2*affirmative > reachable
}

// Count returns the number of reachable and affirmative votes.
func Count(votes []Vote) (reachable int, affirmative int) {
	for _, vote := range votes {
		if !vote.Reachable {
			continue
		}
		reachable++
		if vote.Affirmative() {
			affirmative++
		}
	}
	return reachable, affirmative
}

// HasQuorum is a convenience wrapper so Voter satisfies the monitor's interface.
func (v *Voter) HasQuorum(votes []Vote) bool {
	return HasQuorum(votes)
}
