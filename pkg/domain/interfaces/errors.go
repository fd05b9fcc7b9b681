package interfaces

import "github.com/m-mizutani/goerr/v2"

// Errors shared by every repository backend
var (
	ErrNotFound = goerr.New("not found")

	// ErrCountUnsupported is returned by an AudienceCounter that cannot count a given criteria
	ErrCountUnsupported = goerr.New("audience count unsupported")

	// ErrDuplicateDelivery is returned by a Deliverer when the provider dropped the push as a
	// repeat of one it already accepted
	ErrDuplicateDelivery = goerr.New("duplicate delivery")
)
