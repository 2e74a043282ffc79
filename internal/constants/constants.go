package constants

// Default run configuration. These are the values of the reference
// benchmark: a 10GiB file read in 512KiB chunks.
const (
	// DefaultPath is the benchmark target file
	DefaultPath = "/tmp/io_uring_test"

	// DefaultFileSize is the expected size of the target file (10GiB)
	DefaultFileSize = 10 << 30

	// DefaultChunkSize is the size of a single read request (512KiB)
	DefaultChunkSize = 512 << 10

	// DefaultFlushBatch flushes the submission queue after every enqueue
	DefaultFlushBatch = 1

	// DefaultFillByte is the byte written by the prepare command
	DefaultFillByte = 'a'
)

// Kernel interface constants
const (
	// DropCachesPath controls the kernel page/dentry/inode caches
	DropCachesPath = "/proc/sys/vm/drop_caches"

	// DropCachesValue drops page cache, dentries and inodes
	DropCachesValue = "3"

	// DirectIOAlignment is the offset/length/buffer alignment O_DIRECT needs
	DirectIOAlignment = 4096

	// MaxRingEntries is IORING_MAX_ENTRIES; larger rings are rejected
	MaxRingEntries = 32768
)
