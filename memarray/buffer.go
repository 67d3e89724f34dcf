// Package memarray is a pure-Go reference implementation of the swapio.Handle contract: a
// real, if unoptimized, backend that exercises the contract end to end without an
// accelerator attached. It is used by the scheduler package's tests and by cmd/lmsdemo.
package memarray

import (
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/lms/swapio"
)

// Buffer is a toy multi-device array: it can be materialized on the host, on the
// simulated device, or both. There is no actual accelerator; "device" memory is just
// another Go slice, and transfers are modeled with a time.Sleep proportional to size so
// that asynchronous transfers have observable latency to hide.
type Buffer struct {
	mu sync.Mutex

	size  int
	dtype swapio.DType

	onHost, onDevice bool
	hostData         []byte
	deviceData       []byte

	device *Device
	slot   *swapio.CallbackSlot

	weak *weakRef
}

// New creates a Buffer of size elements of dtype, materialized nowhere yet. dev drives the
// simulated transfer stream; slot is the process-wide callback the scheduler installs
// itself into, and every Get/Cast/Clear reports through it.
func New(size int, dtype swapio.DType, dev *Device, slot *swapio.CallbackSlot) *Buffer {
	b := &Buffer{size: size, dtype: dtype, device: dev, slot: slot}
	b.weak = &weakRef{target: b}
	return b
}

// Seed materializes the buffer on the host synchronously, as if freshly loaded from disk.
// It does not invoke the callback: this is setup, not a traced access.
func (b *Buffer) Seed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hostData = make([]byte, b.size*int(b.dtype.Memory()))
	b.onHost = true
}

func (b *Buffer) Size() int               { return b.size }
func (b *Buffer) DType() swapio.DType     { return b.dtype }
func (b *Buffer) Weak() swapio.WeakHandle { return b.weak }

// Expire marks every weak reference already handed out for this Buffer as resolved-to-
// nothing, simulating the owner (e.g. a data loader) recycling or freeing the physical
// buffer out from under whoever is still holding a weak reference to it.
func (b *Buffer) Expire() { b.weak.Expire() }

func (b *Buffer) HeadArrayClass() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onHost {
		return ClassHost
	}
	if b.onDevice {
		return ClassDevice
	}
	return ""
}

func (b *Buffer) NumArrays() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	if b.onHost {
		n++
	}
	if b.onDevice {
		n++
	}
	return n
}

// Clear drops both materializations and reports the clear to the installed callback. A
// panic thrown by the callback (the scheduler signaling a fatal scheduling error) is
// recovered here and returned as an ordinary error, so callers see a normal Go error
// instead of a crash.
func (b *Buffer) Clear() error {
	b.mu.Lock()
	b.onHost, b.onDevice = false, false
	b.hostData, b.deviceData = nil, nil
	b.mu.Unlock()
	return b.report(swapio.OpClear, b.dtype, swapio.Context{}, false)
}

// Get ensures the array is present on ctx and reports the access. It never changes dtype.
func (b *Buffer) Get(dtype swapio.DType, ctx swapio.Context, flags swapio.AsyncFlag) error {
	if err := b.materialize(ctx, flags); err != nil {
		return err
	}
	return b.report(swapio.OpGet, dtype, ctx, false)
}

// Cast ensures the array is present on ctx, optionally for writing, and reports the
// access.
func (b *Buffer) Cast(dtype swapio.DType, ctx swapio.Context, writable bool, flags swapio.AsyncFlag) error {
	wasPresent := b.wasPresent(ctx)
	if err := b.materialize(ctx, flags); err != nil {
		return err
	}
	return b.report(swapio.OpCast, dtype, ctx, writable && !wasPresent)
}

func (b *Buffer) wasPresent(ctx swapio.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch ctx.ArrayClass {
	case ClassHost:
		return b.onHost
	case ClassDevice:
		return b.onDevice
	default:
		return false
	}
}

// report invokes the installed callback, if any, and converts a scheduler-thrown panic
// back into a returned error.
func (b *Buffer) report(tag swapio.CallbackTag, dtype swapio.DType, ctx swapio.Context, writeOnly bool) (err error) {
	if b.slot == nil {
		return nil
	}
	defer exceptions.Catch(func(e error) { err = e })
	b.slot.Invoke(b, tag, dtype, ctx, writeOnly)
	return nil
}

func (b *Buffer) materialize(ctx swapio.Context, flags swapio.AsyncFlag) error {
	switch ctx.ArrayClass {
	case ClassHost:
		return b.copyTo(&b.onHost, &b.hostData, flags)
	case ClassDevice:
		return b.copyTo(&b.onDevice, &b.deviceData, flags)
	default:
		return swapio.ErrUnsupportedArrayClass(ctx.ArrayClass)
	}
}

func (b *Buffer) copyTo(present *bool, data *[]byte, flags swapio.AsyncFlag) error {
	b.mu.Lock()
	if *present {
		b.mu.Unlock()
		return nil
	}
	n := b.size * int(b.dtype.Memory())
	b.mu.Unlock()

	xfer := func() {
		b.mu.Lock()
		if !*present {
			*data = make([]byte, n)
			*present = true
		}
		b.mu.Unlock()
	}

	if flags.Has(swapio.FlagAsync) && b.device != nil {
		b.device.Enqueue(n, xfer)
		return nil
	}
	xfer()
	return nil
}

// simulateLatency is used by Device to model a transfer's duration.
func simulateLatency(bytes int) time.Duration {
	const bytesPerMicrosecond = 4096
	d := time.Duration(bytes/bytesPerMicrosecond) * time.Microsecond
	if d < time.Microsecond {
		d = time.Microsecond
	}
	return d
}

// weakRef is the only implementation of swapio.WeakHandle in this package: a Buffer never
// expires on its own (there is no GC finalizer wiring here), but Expire lets tests model
// a double-buffered array going out of scope between iterations.
type weakRef struct {
	mu      sync.Mutex
	target  *Buffer
	expired bool
}

func (w *weakRef) Lock() (swapio.Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.expired {
		return nil, false
	}
	return w.target, true
}

// Expire marks the weak reference as resolved-to-nothing, simulating the underlying array
// having been freed by its owner, e.g. a recycled data-loader buffer going out of scope.
func (w *weakRef) Expire() {
	w.mu.Lock()
	w.expired = true
	w.mu.Unlock()
}
