package storage

import "errors"

// ErrUnavailable marks persistence failures that the transport layer may
// surface as retryable. Store packages wrap their gorm errors with it so
// callers can discriminate with errors.Is without importing gorm.
var ErrUnavailable = errors.New("storage: unavailable")
