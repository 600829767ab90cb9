package redis

import (
	"fmt"

	"github.com/bidfoundry/rfpflow"
)

// storageErr classifies a backend failure under rfpflow.ErrStorage so
// callers can tell infrastructure faults from workflow errors. The
// original cause stays in the chain.
func storageErr(err error, format string, args ...any) error {
	return fmt.Errorf("rfpflow/redis: %s: %w: %w", fmt.Sprintf(format, args...), rfpflow.ErrStorage, err)
}
