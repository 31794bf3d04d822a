package topology

import (
	"fmt"
	"strings"
	"time"

	"github.com/pingcap/errors"
)

// OpMask is the capability mask of a service.
type OpMask uint32

const (
	// OpRead marks a service that serves reads and takes part in failover votes.
	OpRead OpMask = 1 << iota
	// OpWrite marks a service that may be promoted to primary.
	OpWrite
	// OpReplicate marks a service that replicates from the primary.
	OpReplicate
	// OpCatchup marks a catchup-only replica. It never votes and is never promoted,
	// whatever other bits are set.
	OpCatchup
)

func (m OpMask) Has(op OpMask) bool {
	return m&op == op
}

func (m OpMask) String() string {
	var parts []string
	if m.Has(OpRead) {
		parts = append(parts, "read")
	}
	if m.Has(OpWrite) {
		parts = append(parts, "write")
	}
	if m.Has(OpReplicate) {
		parts = append(parts, "replicate")
	}
	if m.Has(OpCatchup) {
		parts = append(parts, "catchup")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseOpMask builds a mask from capability names as printed by String.
func ParseOpMask(names []string) (OpMask, error) {
	var m OpMask
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "read":
			m |= OpRead
		case "write":
			m |= OpWrite
		case "replicate":
			m |= OpReplicate
		case "catchup":
			m |= OpCatchup
		default:
			return 0, errors.Errorf("unknown capability %q", name)
		}
	}
	return m, nil
}

// Service is one member of a tier.
type Service struct {
	Name   string `json:"name"`
	ID     uint32 `json:"id"`
	Addr   string `json:"addr"`
	Score  int    `json:"score"`
	OpMask OpMask `json:"op_mask"`

	Updated time.Time `json:"updated"`
	Deleted bool      `json:"deleted"`
}

// CanVote reports whether the service counts as a failover voter.
func (s *Service) CanVote() bool {
	return !s.Deleted && s.OpMask.Has(OpRead) && !s.OpMask.Has(OpCatchup)
}

// CanPromote reports whether the service may become primary.
func (s *Service) CanPromote() bool {
	return !s.Deleted && s.OpMask.Has(OpWrite) && !s.OpMask.Has(OpCatchup)
}

func (s *Service) String() string {
	return fmt.Sprintf("%s(id=%d, addr=%s, score=%d)", s.Name, s.ID, s.Addr, s.Score)
}

// Database is a logical database replicated within a tier.
type Database struct {
	ServiceID uint32 `json:"service_id"`
	Name      string `json:"name"`
	OpMask    OpMask `json:"op_mask"`
}

// ServiceTier is a named failover domain. It owns its services.
type ServiceTier struct {
	Name      string     `json:"name"`
	ID        uint32     `json:"id"`
	Services  []Service  `json:"services"`
	Databases []Database `json:"databases"`

	// PrimaryID is the service currently recorded as primary, 0 if unknown.
	PrimaryID uint32 `json:"primary_id"`
}

// Clone returns a deep copy of the tier.
func (t *ServiceTier) Clone() *ServiceTier {
	c := *t
	c.Services = append([]Service(nil), t.Services...)
	c.Databases = append([]Database(nil), t.Databases...)
	return &c
}

func (t *ServiceTier) indexOf(serviceID uint32) int {
	for i := range t.Services {
		if t.Services[i].ID == serviceID {
			return i
		}
	}
	return -1
}
