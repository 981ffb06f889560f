package cachekv

import (
	"errors"
	"fmt"
)

var ErrStoreRequired = errors.New("cachekv: store is required")

// InvalidateError is returned by a mutation whose engine write succeeded but
// whose cache record could be neither retired (gen bump) nor deleted. The
// previous record may still be served until it expires or the generation
// store recovers.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	return fmt.Sprintf("cachekv: record for %q not invalidated after write: bump: %v; delete: %v",
		e.Key, e.BumpErr, e.DelErr)
}

// Unwrap exposes both causes to errors.Is and errors.As.
func (e *InvalidateError) Unwrap() []error {
	return []error{e.BumpErr, e.DelErr}
}
