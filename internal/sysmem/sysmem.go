// Package sysmem reports how much memory the host can give to the cache.
package sysmem

import "errors"

// ErrUnsupported is returned on platforms where available memory cannot be
// queried. Callers must then configure an explicit byte budget.
var ErrUnsupported = errors.New("available memory unknown on this platform")
