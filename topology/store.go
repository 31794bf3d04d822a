package topology

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pingcap/errors"
)

// Store holds the tiers known to this process. All reads return copies, so
// status readers never observe a slice the monitor is mutating.
type Store struct {
	mu    sync.RWMutex
	tiers map[uint32]*ServiceTier

	catalog Catalog
	clock   clockwork.Clock
	logger  *slog.Logger
}

type StoreOption func(*Store)

func WithClock(clock clockwork.Clock) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store backed by catalog. catalog may be nil, in which case
// Load and Persist are unavailable and Persist is a no-op.
func NewStore(catalog Catalog, options ...StoreOption) *Store {
	s := &Store{
		tiers:   make(map[uint32]*ServiceTier),
		catalog: catalog,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// AddTier registers tier, replacing any tier with the same ID.
func (s *Store) AddTier(tier *ServiceTier) {
	s.mu.Lock()
	s.tiers[tier.ID] = tier.Clone()
	s.mu.Unlock()
}

// Load reads the tier from the catalog and registers it.
func (s *Store) Load(tierID uint32) error {
	if s.catalog == nil {
		return errors.Errorf("no catalog configured, cannot load tier %d", tierID)
	}

	tier, err := s.catalog.LoadTopology(tierID)
	if err != nil {
		return errors.Trace(err)
	}

	s.AddTier(tier)
	s.logger.Info("loaded topology",
		slog.Uint64("tier", uint64(tierID)),
		slog.String("name", tier.Name),
		slog.Int("services", len(tier.Services)))
	return nil
}

// Persist writes the current copy of the tier to the catalog.
func (s *Store) Persist(tierID uint32) error {
	if s.catalog == nil {
		return nil
	}

	tier, err := s.Tier(tierID)
	if err != nil {
		return err
	}
	return errors.Trace(s.catalog.PersistTopology(tier))
}

// Tier returns a copy of the tier.
func (s *Store) Tier(tierID uint32) (*ServiceTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return nil, errors.Trace(&NotFoundError{TierID: tierID})
	}
	return t.Clone(), nil
}

// ListServices returns the non-deleted services of the tier ordered by
// ascending score, then ascending ID. The head of this list is the preferred
// primary.
func (s *Store) ListServices(tierID uint32) ([]Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return nil, errors.Trace(&NotFoundError{TierID: tierID})
	}

	services := make([]Service, 0, len(t.Services))
	for _, svc := range t.Services {
		if !svc.Deleted {
			services = append(services, svc)
		}
	}
	sortServices(services)
	return services, nil
}

// AuditServices returns every service of the tier, deleted ones included, in
// the same order as ListServices.
func (s *Store) AuditServices(tierID uint32) ([]Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return nil, errors.Trace(&NotFoundError{TierID: tierID})
	}

	services := append([]Service(nil), t.Services...)
	sortServices(services)
	return services, nil
}

// UpsertService replaces the service with the same ID or appends it.
func (s *Store) UpsertService(tierID uint32, svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return errors.Trace(&NotFoundError{TierID: tierID})
	}

	if svc.Updated.IsZero() {
		svc.Updated = s.clock.Now()
	}

	if i := t.indexOf(svc.ID); i >= 0 {
		t.Services[i] = svc
	} else {
		t.Services = append(t.Services, svc)
	}
	return nil
}

// MarkDeleted soft-deletes a service. The entry is kept for audit.
func (s *Store) MarkDeleted(tierID uint32, serviceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return errors.Trace(&NotFoundError{TierID: tierID})
	}

	i := t.indexOf(serviceID)
	if i < 0 {
		return errors.Trace(&NotFoundError{TierID: tierID, ServiceID: serviceID})
	}

	t.Services[i].Deleted = true
	t.Services[i].Updated = s.clock.Now()
	if t.PrimaryID == serviceID {
		t.PrimaryID = 0
	}
	return nil
}

// EligibleVoters returns the voting services of the tier in ListServices
// order. A tier with fewer than two voters can never reach quorum and is
// reported as a ConfigError.
func (s *Store) EligibleVoters(tierID uint32) ([]Service, error) {
	services, err := s.ListServices(tierID)
	if err != nil {
		return nil, err
	}

	voters := services[:0]
	for _, svc := range services {
		if svc.CanVote() {
			voters = append(voters, svc)
		}
	}

	if len(voters) < 2 {
		return nil, errors.Trace(&ConfigError{
			TierID: tierID,
			Reason: "fewer than two voting services",
		})
	}
	return voters, nil
}

// SetPrimary records serviceID as the primary of the tier.
func (s *Store) SetPrimary(tierID uint32, serviceID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return errors.Trace(&NotFoundError{TierID: tierID})
	}

	i := t.indexOf(serviceID)
	if i < 0 || t.Services[i].Deleted {
		return errors.Trace(&NotFoundError{TierID: tierID, ServiceID: serviceID})
	}

	t.PrimaryID = serviceID
	t.Services[i].Updated = s.clock.Now()
	return nil
}

// ClearPrimary forgets the recorded primary of the tier.
func (s *Store) ClearPrimary(tierID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tiers[tierID]
	if !ok {
		return errors.Trace(&NotFoundError{TierID: tierID})
	}
	t.PrimaryID = 0
	return nil
}

// Primary returns the recorded primary. ok is false when none is recorded.
func (s *Store) Primary(tierID uint32) (svc Service, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, found := s.tiers[tierID]
	if !found {
		return Service{}, false, errors.Trace(&NotFoundError{TierID: tierID})
	}
	if t.PrimaryID == 0 {
		return Service{}, false, nil
	}

	i := t.indexOf(t.PrimaryID)
	if i < 0 {
		return Service{}, false, nil
	}
	return t.Services[i], true, nil
}

// Touch stamps the heartbeat of a service in memory and in the catalog.
func (s *Store) Touch(tierID uint32, serviceID uint32) error {
	now := s.clock.Now()

	s.mu.Lock()
	t, ok := s.tiers[tierID]
	if !ok {
		s.mu.Unlock()
		return errors.Trace(&NotFoundError{TierID: tierID})
	}
	i := t.indexOf(serviceID)
	if i < 0 {
		s.mu.Unlock()
		return errors.Trace(&NotFoundError{TierID: tierID, ServiceID: serviceID})
	}
	t.Services[i].Updated = now
	s.mu.Unlock()

	if s.catalog == nil {
		return nil
	}
	return errors.Trace(s.catalog.TouchService(tierID, serviceID, now))
}

func sortServices(services []Service) {
	sort.SliceStable(services, func(i, j int) bool {
		if services[i].Score != services[j].Score {
			return services[i].Score < services[j].Score
		}
		return services[i].ID < services[j].ID
	})
}
