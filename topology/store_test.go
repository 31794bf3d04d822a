package topology

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testTier uint32 = 7

func newTestTier() *ServiceTier {
	return &ServiceTier{
		Name: "orders",
		ID:   testTier,
		Services: []Service{
			{Name: "db-c", ID: 3, Addr: "10.0.0.3:3306", Score: 20, OpMask: OpRead | OpWrite | OpReplicate},
			{Name: "db-a", ID: 1, Addr: "10.0.0.1:3306", Score: 10, OpMask: OpRead | OpWrite},
			{Name: "db-b", ID: 2, Addr: "10.0.0.2:3306", Score: 10, OpMask: OpRead | OpWrite | OpReplicate},
			{Name: "db-x", ID: 9, Addr: "10.0.0.9:3306", Score: 0, OpMask: OpReplicate | OpCatchup},
		},
		Databases: []Database{{ServiceID: 1, Name: "orders", OpMask: OpRead | OpWrite}},
		PrimaryID: 1,
	}
}

type storeTestSuite struct {
	suite.Suite
	clock clockwork.FakeClock
	store *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(storeTestSuite))
}

func (s *storeTestSuite) SetupTest() {
	s.clock = clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s.store = NewStore(nil, WithClock(s.clock))
	s.store.AddTier(newTestTier())
}

func ids(services []Service) []uint32 {
	out := make([]uint32, 0, len(services))
	for _, svc := range services {
		out = append(out, svc.ID)
	}
	return out
}

func (s *storeTestSuite) TestListServicesOrder() {
	services, err := s.store.ListServices(testTier)
	require.NoError(s.T(), err)
	// score ascending, id breaks ties
	require.Equal(s.T(), []uint32{9, 1, 2, 3}, ids(services))

	again, err := s.store.ListServices(testTier)
	require.NoError(s.T(), err)
	require.Equal(s.T(), services, again)
}

func (s *storeTestSuite) TestListServicesReturnsCopy() {
	services, err := s.store.ListServices(testTier)
	require.NoError(s.T(), err)
	services[0].Score = 1000

	again, err := s.store.ListServices(testTier)
	require.NoError(s.T(), err)
	require.Equal(s.T(), 0, again[0].Score)
}

func (s *storeTestSuite) TestUpsertService() {
	err := s.store.UpsertService(testTier, Service{Name: "db-a", ID: 1, Addr: "10.0.0.1:3306", Score: 30, OpMask: OpRead | OpWrite})
	require.NoError(s.T(), err)

	// same call twice leaves the same state
	err = s.store.UpsertService(testTier, Service{Name: "db-a", ID: 1, Addr: "10.0.0.1:3306", Score: 30, OpMask: OpRead | OpWrite})
	require.NoError(s.T(), err)

	services, err := s.store.ListServices(testTier)
	require.NoError(s.T(), err)
	require.Equal(s.T(), []uint32{9, 2, 3, 1}, ids(services))
	require.Equal(s.T(), s.clock.Now(), services[3].Updated)

	err = s.store.UpsertService(testTier, Service{Name: "db-d", ID: 4, Addr: "10.0.0.4:3306", Score: 5, OpMask: OpRead})
	require.NoError(s.T(), err)

	services, err = s.store.ListServices(testTier)
	require.NoError(s.T(), err)
	require.Equal(s.T(), []uint32{9, 4, 2, 3, 1}, ids(services))
}

func (s *storeTestSuite) TestMarkDeleted() {
	err := s.store.MarkDeleted(testTier, 2)
	require.NoError(s.T(), err)

	services, err := s.store.ListServices(testTier)
	require.NoError(s.T(), err)
	require.Equal(s.T(), []uint32{9, 1, 3}, ids(services))

	all, err := s.store.AuditServices(testTier)
	require.NoError(s.T(), err)
	require.Len(s.T(), all, 4)
	require.True(s.T(), all[2].Deleted)

	err = s.store.MarkDeleted(testTier, 42)
	require.True(s.T(), IsNotFound(err))
}

func (s *storeTestSuite) TestMarkDeletedPrimaryClearsPrimary() {
	require.NoError(s.T(), s.store.MarkDeleted(testTier, 1))

	_, ok, err := s.store.Primary(testTier)
	require.NoError(s.T(), err)
	require.False(s.T(), ok)
}

func (s *storeTestSuite) TestUnknownTier() {
	_, err := s.store.ListServices(99)
	require.True(s.T(), IsNotFound(err))

	err = s.store.UpsertService(99, Service{ID: 1})
	require.True(s.T(), IsNotFound(err))

	err = s.store.MarkDeleted(99, 1)
	require.True(s.T(), IsNotFound(err))

	_, err = s.store.EligibleVoters(99)
	require.True(s.T(), IsNotFound(err))

	_, _, err = s.store.Primary(99)
	require.True(s.T(), IsNotFound(err))
}

func (s *storeTestSuite) TestEligibleVoters() {
	voters, err := s.store.EligibleVoters(testTier)
	require.NoError(s.T(), err)
	// catchup-only service never votes
	require.Equal(s.T(), []uint32{1, 2, 3}, ids(voters))

	require.NoError(s.T(), s.store.MarkDeleted(testTier, 1))
	require.NoError(s.T(), s.store.MarkDeleted(testTier, 2))

	_, err = s.store.EligibleVoters(testTier)
	require.Error(s.T(), err)
	require.True(s.T(), IsConfigError(err))
}

func (s *storeTestSuite) TestSetPrimary() {
	require.NoError(s.T(), s.store.SetPrimary(testTier, 2))

	primary, ok, err := s.store.Primary(testTier)
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Equal(s.T(), uint32(2), primary.ID)

	require.True(s.T(), IsNotFound(s.store.SetPrimary(testTier, 77)))

	require.NoError(s.T(), s.store.MarkDeleted(testTier, 3))
	require.True(s.T(), IsNotFound(s.store.SetPrimary(testTier, 3)))
}

func (s *storeTestSuite) TestClearPrimary() {
	require.NoError(s.T(), s.store.ClearPrimary(testTier))
	_, ok, err := s.store.Primary(testTier)
	require.NoError(s.T(), err)
	require.False(s.T(), ok)

	require.True(s.T(), IsNotFound(s.store.ClearPrimary(99)))
}

func (s *storeTestSuite) TestTouch() {
	s.clock.Advance(time.Minute)
	require.NoError(s.T(), s.store.Touch(testTier, 3))

	tier, err := s.store.Tier(testTier)
	require.NoError(s.T(), err)
	require.Equal(s.T(), s.clock.Now(), tier.Services[0].Updated)

	require.True(s.T(), IsNotFound(s.store.Touch(testTier, 100)))
}

func (s *storeTestSuite) TestConcurrentReadWrite() {
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				services, err := s.store.ListServices(testTier)
				require.NoError(s.T(), err)
				require.NotEmpty(s.T(), services)
			}
		}()
	}

	for j := 0; j < 200; j++ {
		err := s.store.UpsertService(testTier, Service{Name: "db-c", ID: 3, Score: j, OpMask: OpRead | OpWrite})
		require.NoError(s.T(), err)
	}
	wg.Wait()
}

func TestOpMask(t *testing.T) {
	m := OpRead | OpWrite
	require.True(t, m.Has(OpRead))
	require.False(t, m.Has(OpCatchup))
	require.Equal(t, "read|write", m.String())
	require.Equal(t, "none", OpMask(0).String())

	svc := Service{OpMask: OpRead | OpWrite | OpCatchup}
	require.False(t, svc.CanVote())
	require.False(t, svc.CanPromote())

	svc = Service{OpMask: OpRead | OpWrite, Deleted: true}
	require.False(t, svc.CanVote())
	require.False(t, svc.CanPromote())
}

func TestParseOpMask(t *testing.T) {
	m, err := ParseOpMask([]string{"read", " Write ", "replicate"})
	require.NoError(t, err)
	require.Equal(t, OpRead|OpWrite|OpReplicate, m)

	_, err = ParseOpMask([]string{"read", "admin"})
	require.Error(t, err)
}
