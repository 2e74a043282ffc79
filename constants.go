package multiread

import "github.com/ehrlich-b/go-multiread/internal/constants"

// Re-export constants for public API
const (
	DefaultPath       = constants.DefaultPath
	DefaultFileSize   = constants.DefaultFileSize
	DefaultChunkSize  = constants.DefaultChunkSize
	DefaultFlushBatch = constants.DefaultFlushBatch
	DropCachesPath    = constants.DropCachesPath
	DirectIOAlignment = constants.DirectIOAlignment
	MaxRingEntries    = constants.MaxRingEntries
)
