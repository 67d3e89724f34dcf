package scheduler

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Sentinel error kinds. Callers check which happened with errors.Is; every error returned
// by this package wraps exactly one of these.
var (
	// ErrOutOfDeviceMemory is returned by the first EndScheduling, from the planner, when a
	// single function's working set exceeds maxBytesSwapIn-maxBytesSwapOut.
	ErrOutOfDeviceMemory = errors.New("out of device memory while scheduling")

	// ErrUnsupportedDevice is returned when a record's Context.ArrayClass is neither the
	// configured host nor device context.
	ErrUnsupportedDevice = errors.New("unsupported device context")

	// ErrIDOverflow is returned when more distinct arrays are observed than the ID type
	// (uint32) can enumerate.
	ErrIDOverflow = errors.New("too many distinct arrays for the id type")

	// ErrTraceDivergence is returned when a precleared array is get/cast again before its
	// matching Clear.
	ErrTraceDivergence = errors.New("re-get/cast of a precleared array")

	// ErrDoubleBufferExpired is returned by UseDALI when a recorded handle has expired
	// before iteration 1 completes.
	ErrDoubleBufferExpired = errors.New("double-buffered array expired before substitution")

	// ErrMultiDevice is returned by UseDALI when more than one device's batch is passed.
	ErrMultiDevice = errors.New("swap scheduler cannot deal with multiple devices")

	// ErrUnknownTag is returned when a callback reports a tag the tag mapper does not
	// recognize.
	ErrUnknownTag = errors.New("unknown synced-array callback tag")

	// ErrEmptyDALIBatch is returned by UseDALI when given no batches.
	ErrEmptyDALIBatch = errors.New("dali data batch is empty")
)

func errOutOfMemory(fid int, head, blockEnd int, maxIn, maxOut uintptr) error {
	return errors.Wrapf(ErrOutOfDeviceMemory,
		"function %d: only reached record %d of %d within budget %s (reserving %s for eviction headroom)",
		fid, head, blockEnd, humanize.Bytes(uint64(maxIn)), humanize.Bytes(uint64(maxOut)))
}

func errUnsupportedDevice(class string) error {
	return errors.Wrapf(ErrUnsupportedDevice, "array class %q", class)
}
