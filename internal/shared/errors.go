package shared

import "errors"

// ErrLockNotAcquired indicates the statement critical section is busy.
var ErrLockNotAcquired = errors.New("lock not acquired")
