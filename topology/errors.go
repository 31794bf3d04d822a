package topology

import (
	"fmt"

	"github.com/pingcap/errors"
)

// NotFoundError is returned when an operation names an unknown tier or service.
type NotFoundError struct {
	TierID    uint32
	ServiceID uint32
}

func (e *NotFoundError) Error() string {
	if e.ServiceID != 0 {
		return fmt.Sprintf("service %d not found in tier %d", e.ServiceID, e.TierID)
	}
	return fmt.Sprintf("tier %d not found", e.TierID)
}

// ConfigError reports a tier whose shape makes failover impossible.
type ConfigError struct {
	TierID uint32
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tier %d misconfigured: %s", e.TierID, e.Reason)
}

func IsNotFound(err error) bool {
	_, ok := errors.Cause(err).(*NotFoundError)
	return ok
}

func IsConfigError(err error) bool {
	_, ok := errors.Cause(err).(*ConfigError)
	return ok
}
