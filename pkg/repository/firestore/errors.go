package firestore

import "github.com/secmon-lab/pushblaster/pkg/domain/interfaces"

// ErrNotFound is returned when a document does not exist
var ErrNotFound = interfaces.ErrNotFound

// inQueryLimit is the maximum number of values Firestore accepts in an "in" filter
const inQueryLimit = 30
