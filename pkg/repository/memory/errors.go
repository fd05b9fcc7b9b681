package memory

import "github.com/secmon-lab/pushblaster/pkg/domain/interfaces"

// ErrNotFound is returned when a record does not exist
var ErrNotFound = interfaces.ErrNotFound
