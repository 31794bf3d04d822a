package failover

import (
	"time"

	"github.com/siddontang/go/sync2"
)

// State is the failover state of the process. Only the monitor worker
// mutates it; anyone may read it through Snapshot.
type State struct {
	masterStatus  sync2.AtomicInt64
	failures      sync2.AtomicInt64
	electionCount sync2.AtomicInt64
	// unix nanoseconds of the last successful election, 0 if none
	lastElection   sync2.AtomicInt64
	lastElectionID sync2.AtomicString
	lastTarget     sync2.AtomicInt64
}

// Status is the read-only view exported to operators.
type Status struct {
	MasterStatus        int       `json:"master_status"`
	ElectionCount       uint64    `json:"election_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastElection        time.Time `json:"last_election,omitempty"`
	LastElectionID      string    `json:"last_election_id,omitempty"`
	LastTarget          uint32    `json:"last_target,omitempty"`
}

func (s *State) Snapshot() Status {
	st := Status{
		MasterStatus:        int(s.masterStatus.Get()),
		ElectionCount:       uint64(s.electionCount.Get()),
		ConsecutiveFailures: int(s.failures.Get()),
		LastElectionID:      s.lastElectionID.Get(),
		LastTarget:          uint32(s.lastTarget.Get()),
	}
	if ts := s.lastElection.Get(); ts != 0 {
		st.LastElection = time.Unix(0, ts)
	}
	return st
}

func (s *State) setMasterStatus(code int) {
	s.masterStatus.Set(int64(code))
}

func (s *State) incFailures() int {
	return int(s.failures.Add(1))
}

func (s *State) resetFailures() {
	s.failures.Set(0)
}

func (s *State) lastElectionTime() (time.Time, bool) {
	ts := s.lastElection.Get()
	if ts == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ts), true
}

func (s *State) recordElection(at time.Time, id string, target uint32) {
	s.failures.Set(0)
	s.lastElection.Set(at.UnixNano())
	s.lastElectionID.Set(id)
	s.lastTarget.Set(int64(target))
	s.electionCount.Add(1)
}
