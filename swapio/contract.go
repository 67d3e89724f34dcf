// Package swapio defines the narrow contract the swap scheduler consumes from the array
// subsystem, the computation graph and the transfer layer. None of these are implemented
// here: they are external collaborators (a lazily-materialized multi-device
// buffer, asynchronous copy primitives, a device synchronizer) driven by a training loop
// that this module does not own. See package memarray for a reference implementation used
// in tests and the demo CLI.
package swapio

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DType is the element type of an array, reused directly from gopjrt so byte-sizing
// (DType.Memory()) stays consistent with the rest of a gomlx-based training stack.
type DType = dtypes.DType

// Context locates a device. Only two are meaningful to the scheduler: Host and Device.
// Any other ArrayClass is rejected with ErrUnsupportedDevice.
type Context struct {
	// ArrayClass tags the device backend, e.g. "Cpu", "Cuda", "CudaCached".
	ArrayClass string

	// Key distinguishes two Contexts of the same ArrayClass that refer to different
	// physical devices (e.g. two GPUs). The planner and executor compare only ArrayClass;
	// the tracer compares ArrayKey, which includes Key.
	Key string
}

// AsyncFlag is a bitset passed to Handle.Get and Handle.Cast.
type AsyncFlag int

const (
	// FlagNone requests a synchronous, safe transfer.
	FlagNone AsyncFlag = 0

	// FlagAsync requests the transfer be queued on the device's transfer stream and
	// returned immediately; completion is only guaranteed after a matching
	// DeviceSynchronizer.Synchronize or a following UNSAFE get of the same handle.
	FlagAsync AsyncFlag = 1 << 0

	// FlagUnsafe waives the defensive copy normally taken to protect against overlapping
	// in-flight transfers of the same memory. The scheduler only ever sets it alongside
	// FlagAsync, or alone when joining a previously issued async transfer.
	FlagUnsafe AsyncFlag = 1 << 1
)

// Has reports whether f contains all the bits of other.
func (f AsyncFlag) Has(other AsyncFlag) bool { return f&other == other }

// CallbackTag identifies the kind of array operation a Handle callback observed.
type CallbackTag int

const (
	// OpGet is a read-only access.
	OpGet CallbackTag = iota

	// OpCast is a read, or read-write, access that may materialize the array on ctx.
	OpCast

	// OpClear drops every backing of the array.
	OpClear
)

func (t CallbackTag) String() string {
	switch t {
	case OpGet:
		return "Get"
	case OpCast:
		return "Cast"
	case OpClear:
		return "Clear"
	default:
		return "Unknown"
	}
}

// Handle is a live reference to a shared, lazily-materialized, multi-device buffer; Weak
// gives the non-extending counterpart.
// Implementations must be safe to call concurrently with asynchronous transfers they
// themselves issued, but the scheduler only ever calls a Handle from the single training
// thread that drives it.
type Handle interface {
	// Size returns the number of elements.
	Size() int

	// DType returns the element type currently materialized (after the most recent Get
	// or Cast). It is undefined before the first materialization.
	DType() DType

	// HeadArrayClass returns the ArrayClass currently holding the authoritative copy,
	// or "" if the array has no backing (e.g. after Clear).
	HeadArrayClass() string

	// NumArrays returns how many device backings are currently materialized. Zero means
	// the array was cleared and holds no data anywhere.
	NumArrays() int

	// Get ensures the array is materialized on ctx with the given dtype, and returns it
	// for reading. flags controls synchronicity and defensive copying of the transfer.
	Get(dtype DType, ctx Context, flags AsyncFlag) error

	// Cast ensures the array is materialized on ctx with the given dtype, for reading or,
	// if writable, for read-write access. flags controls synchronicity and defensive
	// copying of the transfer.
	Cast(dtype DType, ctx Context, writable bool, flags AsyncFlag) error

	// Clear drops every backing of the array. A subsequent Get or Cast re-materializes it
	// from whatever upstream owns its contents (e.g. re-running a layer's forward pass).
	// An error is returned only if the installed callback raised a fatal scheduling error.
	Clear() error

	// Weak returns a non-extending reference to this array, suitable for storing in a
	// RecType without keeping the array alive on the scheduler's behalf.
	Weak() WeakHandle
}

// WeakHandle is a non-extending reference to a Handle: holding one must never keep the
// underlying array alive. Every use goes through Lock, and callers must check its ok
// result rather than assume the array is still live.
type WeakHandle interface {
	// Lock resolves the weak reference. ok is false if the array has already been
	// collected.
	Lock() (h Handle, ok bool)
}

// CallbackFunc observes a single array operation. write_only narrows OpCast to a pure
// write (used by implementations to decide whether the prior contents need fetching);
// the scheduler does not currently distinguish on it.
type CallbackFunc func(h Handle, tag CallbackTag, dtype DType, ctx Context, writeOnly bool)

// CallbackSlot is the process-wide single-slot callback registry that the array subsystem
// calls into on every Get/Cast/Clear. Only one scheduler may observe at a time; Set and
// Unset are idempotent, so a scheduler can freely install and uninstall itself across
// iterations without tracking whether it is already the active observer.
type CallbackSlot struct {
	fn CallbackFunc
}

// Set installs fn as the active callback, replacing whatever was installed before.
func (s *CallbackSlot) Set(fn CallbackFunc) { s.fn = fn }

// Unset removes the active callback. It is a no-op if none is installed.
func (s *CallbackSlot) Unset() { s.fn = nil }

// Invoke calls the active callback, if any. Array-subsystem implementations call this on
// every Get/Cast/Clear.
func (s *CallbackSlot) Invoke(h Handle, tag CallbackTag, dtype DType, ctx Context, writeOnly bool) {
	if s.fn == nil {
		return
	}
	s.fn(h, tag, dtype, ctx, writeOnly)
}

// DeviceSynchronizer blocks until every outstanding asynchronous transfer queued against
// ctx has completed. The scheduler relies on a single FIFO transfer stream per device;
// Synchronize is the only primitive that drains it unconditionally.
type DeviceSynchronizer interface {
	Synchronize(ctx Context) error
}

// ArrayKey returns a string that is equal for two Contexts iff they refer to the same
// physical device. The planner only ever compares a record's Context against the fixed
// host/device Contexts by ArrayClass, but the tracer (recorder.go) must tell apart two
// live Contexts of the same ArrayClass pointing at different physical devices, so it
// compares ArrayKey instead.
func ArrayKey(ctx Context) string {
	if ctx.Key == "" {
		return ctx.ArrayClass
	}
	return ctx.ArrayClass + "/" + ctx.Key
}

// ErrUnsupportedArrayClassSentinel is the sentinel every ErrUnsupportedArrayClass error
// wraps, so callers can test for it with errors.Is regardless of which array class
// triggered it.
var ErrUnsupportedArrayClassSentinel = errors.New("unsupported array class")

// ErrUnsupportedArrayClass reports that an access named an ArrayClass that is neither the
// host nor the device context configured on the scheduler or array backend.
func ErrUnsupportedArrayClass(class string) error {
	return errors.Wrapf(ErrUnsupportedArrayClassSentinel, "array class %q", class)
}
