package election

import (
	"fmt"

	"github.com/pingcap/errors"

	"github.com/go-mysql-org/go-failover/topology"
)

// PromotionError reports a failed promotion. The local node has been left
// read-only.
type PromotionError struct {
	Target topology.Service
	Step   string
	Err    error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("promote %s failed at %s: %v", e.Target.String(), e.Step, e.Err)
}

func (e *PromotionError) Unwrap() error {
	return e.Err
}

func IsPromotionError(err error) bool {
	_, ok := errors.Cause(err).(*PromotionError)
	return ok
}
