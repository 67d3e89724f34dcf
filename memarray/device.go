package memarray

import (
	"sync"
	"time"

	"github.com/gomlx/lms/swapio"
)

// ClassHost and ClassDevice are the two ArrayClass values memarray.Buffer understands; any
// other ArrayClass is rejected with swapio.ErrUnsupportedArrayClass.
const (
	ClassHost   = "Cpu"
	ClassDevice = "SimDevice"
)

// HostContext and DeviceContext are the two swapio.Context values that exercise a
// memarray-backed scheduler.
var (
	HostContext   = swapio.Context{ArrayClass: ClassHost}
	DeviceContext = swapio.Context{ArrayClass: ClassDevice}
)

// Device models a single device's asynchronous transfer stream: every enqueued transfer
// runs, in order, on a dedicated goroutine, giving the FIFO ordering the scheduler assumes
// of a device's transfer stream. Synchronize blocks until the queue has drained.
type Device struct {
	mu      sync.Mutex
	queue   chan func()
	done    chan struct{}
	pending sync.WaitGroup
}

// NewDevice starts a Device with a transfer stream of the given queue depth.
func NewDevice(queueDepth int) *Device {
	d := &Device{
		queue: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Device) run() {
	for fn := range d.queue {
		fn()
		d.pending.Done()
	}
	close(d.done)
}

// Enqueue schedules fn to run on the transfer stream after simulating the latency of
// copying bytes. Enqueue never blocks the caller on the transfer itself completing.
func (d *Device) Enqueue(bytes int, fn func()) {
	d.pending.Add(1)
	d.queue <- func() {
		time.Sleep(simulateLatency(bytes))
		fn()
	}
}

// Synchronize implements swapio.DeviceSynchronizer by waiting for every transfer enqueued
// so far to finish. ctx is unused: this package only ever models one device.
func (d *Device) Synchronize(swapio.Context) error {
	d.pending.Wait()
	return nil
}

// Close stops the transfer stream. Not part of swapio.DeviceSynchronizer; callers use it
// to tear down a Device once done with it.
func (d *Device) Close() {
	close(d.queue)
	<-d.done
}
