package election

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/go-mysql-org/go-failover/topology"
	"github.com/go-mysql-org/go-failover/utils"
)

const tierID uint32 = 3

// fakeReplication records calls and tracks read_only the way a server would.
type fakeReplication struct {
	mu       sync.Mutex
	calls    []string
	readOnly bool
	source   string
	failOn   map[string]error
	hangOn   map[string]bool
}

func newFakeReplication() *fakeReplication {
	return &fakeReplication{
		readOnly: true,
		failOn:   make(map[string]error),
		hangOn:   make(map[string]bool),
	}
}

func (f *fakeReplication) do(ctx context.Context, name string, apply func()) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	err, hang := f.failOn[name], f.hangOn[name]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	apply()
	f.mu.Unlock()
	return nil
}

func (f *fakeReplication) StopReplication(ctx context.Context) error {
	return f.do(ctx, "stop", func() { f.source = "" })
}

func (f *fakeReplication) PromoteLocal(ctx context.Context) error {
	return f.do(ctx, "writable", func() { f.readOnly = false })
}

func (f *fakeReplication) SetReadOnly(ctx context.Context) error {
	return f.do(ctx, "read_only", func() { f.readOnly = true })
}

func (f *fakeReplication) RepointReplication(ctx context.Context, addr string) error {
	return f.do(ctx, "repoint "+addr, func() { f.source = addr })
}

func (f *fakeReplication) snapshot() ([]string, bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), f.readOnly, f.source
}

func newTier() *topology.ServiceTier {
	return &topology.ServiceTier{
		Name: "users",
		ID:   tierID,
		Services: []topology.Service{
			{Name: "primary", ID: 10, Addr: "p:3306", Score: 1, OpMask: topology.OpRead | topology.OpWrite},
			{Name: "self", ID: 20, Addr: "s:3306", Score: 5, OpMask: topology.OpRead | topology.OpWrite | topology.OpReplicate},
			{Name: "other", ID: 30, Addr: "o:3306", Score: 5, OpMask: topology.OpRead | topology.OpWrite | topology.OpReplicate},
			{Name: "reader", ID: 40, Addr: "r:3306", Score: 0, OpMask: topology.OpRead | topology.OpReplicate},
			{Name: "catchup", ID: 50, Addr: "c:3306", Score: 0, OpMask: topology.OpWrite | topology.OpCatchup},
		},
		PrimaryID: 10,
	}
}

type coordinatorTestSuite struct {
	suite.Suite
	store   *topology.Store
	repl    *fakeReplication
	coord   *Coordinator
	catalog *topology.BoltCatalog
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(coordinatorTestSuite))
}

func (s *coordinatorTestSuite) SetupTest() {
	var err error
	s.catalog, err = topology.NewBoltCatalog(filepath.Join(s.T().TempDir(), "topology.db"))
	require.NoError(s.T(), err)

	s.store = topology.NewStore(s.catalog)
	s.store.AddTier(newTier())
	s.repl = newFakeReplication()
	s.coord = NewCoordinator(s.store, s.repl, 20, func() time.Duration { return 100 * time.Millisecond }, nil)
}

func (s *coordinatorTestSuite) TearDownTest() {
	s.catalog.Close()
}

func (s *coordinatorTestSuite) TestElectSkipsPrimaryAndIneligible() {
	target, err := s.coord.Elect(tierID)
	require.NoError(s.T(), err)
	// score 5 tie between 20 and 30 goes to the lower id
	require.Equal(s.T(), uint32(20), target.ID)
}

func (s *coordinatorTestSuite) TestElectDeterministic() {
	first, err := s.coord.Elect(tierID)
	require.NoError(s.T(), err)
	for i := 0; i < 10; i++ {
		again, err := s.coord.Elect(tierID)
		require.NoError(s.T(), err)
		require.Equal(s.T(), first, again)
	}
}

func (s *coordinatorTestSuite) TestElectNoPrimaryRecordedExcludesSelf() {
	require.NoError(s.T(), s.store.MarkDeleted(tierID, 10))

	target, err := s.coord.Elect(tierID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), uint32(30), target.ID)
}

func (s *coordinatorTestSuite) TestElectNoCandidate() {
	require.NoError(s.T(), s.store.MarkDeleted(tierID, 20))
	require.NoError(s.T(), s.store.MarkDeleted(tierID, 30))

	_, err := s.coord.Elect(tierID)
	require.True(s.T(), topology.IsConfigError(err))

	_, err = s.coord.Elect(999)
	require.True(s.T(), topology.IsNotFound(err))
}

func (s *coordinatorTestSuite) TestPromoteLocal() {
	target, err := s.coord.Elect(tierID)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.coord.Promote(context.Background(), tierID, target))

	calls, readOnly, _ := s.repl.snapshot()
	require.Equal(s.T(), []string{"stop", "writable"}, calls)
	require.False(s.T(), readOnly)

	primary, ok, err := s.store.Primary(tierID)
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Equal(s.T(), uint32(20), primary.ID)

	stored, err := s.catalog.LoadTopology(tierID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), uint32(20), stored.PrimaryID)
}

func (s *coordinatorTestSuite) TestPromoteRemote() {
	other, err := s.serviceByID(30)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.coord.Promote(context.Background(), tierID, other))

	calls, readOnly, source := s.repl.snapshot()
	require.Equal(s.T(), []string{"read_only", "repoint o:3306"}, calls)
	require.True(s.T(), readOnly)
	require.Equal(s.T(), "o:3306", source)

	primary, _, err := s.store.Primary(tierID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), uint32(30), primary.ID)
}

func (s *coordinatorTestSuite) TestPromoteIdempotent() {
	target, err := s.coord.Elect(tierID)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.coord.Promote(context.Background(), tierID, target))
	callsAfterFirst, readOnly, _ := s.repl.snapshot()
	tierAfterFirst, err := s.store.Tier(tierID)
	require.NoError(s.T(), err)

	require.NoError(s.T(), s.coord.Promote(context.Background(), tierID, target))
	callsAfterSecond, readOnlyAgain, _ := s.repl.snapshot()
	tierAfterSecond, err := s.store.Tier(tierID)
	require.NoError(s.T(), err)

	require.Equal(s.T(), callsAfterFirst, callsAfterSecond)
	require.Equal(s.T(), readOnly, readOnlyAgain)
	require.Equal(s.T(), tierAfterFirst, tierAfterSecond)
}

func (s *coordinatorTestSuite) TestPromoteLocalFailureLeavesReadOnly() {
	s.repl.failOn["writable"] = errors.New("ERROR 1227: access denied")

	target, err := s.coord.Elect(tierID)
	require.NoError(s.T(), err)

	err = s.coord.Promote(context.Background(), tierID, target)
	require.True(s.T(), IsPromotionError(err))

	pe := errors.Cause(err).(*PromotionError)
	require.Equal(s.T(), StepPromoteLocal, pe.Step)

	calls, readOnly, _ := s.repl.snapshot()
	require.Equal(s.T(), []string{"stop", "writable", "read_only"}, calls)
	require.True(s.T(), readOnly)

	primary, _, err := s.store.Primary(tierID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), uint32(10), primary.ID)
}

func (s *coordinatorTestSuite) TestPromoteRecordFailureRestoresReadOnly() {
	target, err := s.coord.Elect(tierID)
	require.NoError(s.T(), err)

	// a closed catalog makes the persist step fail after the node became writable
	require.NoError(s.T(), s.catalog.Close())

	err = s.coord.Promote(context.Background(), tierID, target)
	require.True(s.T(), IsPromotionError(err))

	_, readOnly, _ := s.repl.snapshot()
	require.True(s.T(), readOnly)

	primary, _, err := s.store.Primary(tierID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), uint32(10), primary.ID)
}

func (s *coordinatorTestSuite) TestPromoteRecordFailureWithoutPrimary() {
	const unassigned uint32 = 4
	tier := newTier()
	tier.ID = unassigned
	tier.PrimaryID = 0
	s.store.AddTier(tier)

	target, err := s.coord.Elect(unassigned)
	require.NoError(s.T(), err)
	require.Equal(s.T(), uint32(10), target.ID)

	require.NoError(s.T(), s.catalog.Close())

	err = s.coord.Promote(context.Background(), unassigned, target)
	require.True(s.T(), IsPromotionError(err))

	_, readOnly, _ := s.repl.snapshot()
	require.True(s.T(), readOnly)

	// nothing was recorded, so the next round elects the same target
	_, ok, err := s.store.Primary(unassigned)
	require.NoError(s.T(), err)
	require.False(s.T(), ok)

	again, err := s.coord.Elect(unassigned)
	require.NoError(s.T(), err)
	require.Equal(s.T(), target.ID, again.ID)
}

func (s *coordinatorTestSuite) TestPromoteRemoteTimeout() {
	s.repl.hangOn["repoint o:3306"] = true

	other, err := s.serviceByID(30)
	require.NoError(s.T(), err)

	err = s.coord.Promote(context.Background(), tierID, other)
	require.True(s.T(), IsPromotionError(err))

	pe := errors.Cause(err).(*PromotionError)
	require.Equal(s.T(), StepRepoint, pe.Step)
	require.True(s.T(), utils.IsTimeout(pe.Err))

	primary, _, err := s.store.Primary(tierID)
	require.NoError(s.T(), err)
	require.Equal(s.T(), uint32(10), primary.ID)

	// retry after the engine recovers
	s.repl.mu.Lock()
	delete(s.repl.hangOn, "repoint o:3306")
	s.repl.mu.Unlock()
	require.NoError(s.T(), s.coord.Promote(context.Background(), tierID, other))
}

func (s *coordinatorTestSuite) serviceByID(id uint32) (topology.Service, error) {
	services, err := s.store.ListServices(tierID)
	if err != nil {
		return topology.Service{}, err
	}
	for _, svc := range services {
		if svc.ID == id {
			return svc, nil
		}
	}
	return topology.Service{}, errors.Errorf("service %d not found", id)
}
