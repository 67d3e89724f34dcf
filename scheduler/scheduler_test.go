package scheduler_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lms/memarray"
	"github.com/gomlx/lms/scheduler"
	"github.com/gomlx/lms/swapio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRig(t *testing.T, budget uintptr) (*scheduler.Scheduler, *memarray.Device, *swapio.CallbackSlot) {
	t.Helper()
	dev := memarray.NewDevice(2)
	t.Cleanup(dev.Close)
	var slot swapio.CallbackSlot
	sched := scheduler.New(memarray.HostContext, memarray.DeviceContext, budget, &slot, dev)
	return sched, dev, &slot
}

func seedBuffers(dev *memarray.Device, slot *swapio.CallbackSlot, n, size int) []*memarray.Buffer {
	bufs := make([]*memarray.Buffer, n)
	for i := range bufs {
		bufs[i] = memarray.New(size, dtypes.Float32, dev, slot)
		bufs[i].Seed()
	}
	return bufs
}

// runLayerIteration drives sched through one iteration over a chain of len(bufs)-1 layer
// functions, each reading bufs[i] and writing bufs[i+1] on the simulated device.
func runLayerIteration(sched *scheduler.Scheduler, bufs []*memarray.Buffer) error {
	sched.StartScheduling()
	for i := 0; i < len(bufs)-1; i++ {
		if err := sched.PreFunctionCallback(); err != nil {
			return err
		}
		if err := bufs[i].Get(dtypes.Float32, memarray.DeviceContext, swapio.FlagNone); err != nil {
			return err
		}
		if err := bufs[i+1].Cast(dtypes.Float32, memarray.DeviceContext, true, swapio.FlagNone); err != nil {
			return err
		}
	}
	if err := sched.PreUpdateCallback(); err != nil {
		return err
	}
	return sched.EndScheduling()
}

func TestBasicRecordThenTraceIterations(t *testing.T) {
	sched, dev, slot := newRig(t, 1<<24)
	bufs := seedBuffers(dev, slot, 5, 1024)

	require.NoError(t, runLayerIteration(sched, bufs))
	stats := sched.Stats()
	assert.EqualValues(t, 1, stats.IterCount)
	assert.False(t, stats.FirstIter)
	// 4 layer functions + 1 update step, each one's block closed by the next pre-hook or,
	// for the update step, by finalize: 5 function-block boundaries in total.
	assert.Equal(t, 5, stats.NumFunctions)
	assert.Len(t, sched.FunctionStatsAll(), 4)

	require.NoError(t, runLayerIteration(sched, bufs))
	assert.EqualValues(t, 2, sched.IterCount())

	require.NoError(t, runLayerIteration(sched, bufs))
	assert.EqualValues(t, 3, sched.IterCount())
}

func TestScheduleFailsWhenBudgetTooSmall(t *testing.T) {
	// maxBytesSwapIn=1, maxBytesSwapOut=0: not even one array's worth of budget.
	sched, dev, slot := newRig(t, 1)
	bufs := seedBuffers(dev, slot, 3, 1024)

	err := runLayerIteration(sched, bufs)
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrOutOfDeviceMemory)
}

func TestPreclearThenDivergingReGetIsRejected(t *testing.T) {
	sched, dev, slot := newRig(t, 1<<24)
	buf := memarray.New(1024, dtypes.Float32, dev, slot)
	buf.Seed()

	// Iteration 0 (record): function 1 reads buf, function 2 clears it.
	sched.StartScheduling()
	require.NoError(t, sched.PreFunctionCallback())
	require.NoError(t, buf.Get(dtypes.Float32, memarray.DeviceContext, swapio.FlagNone))
	require.NoError(t, sched.PreFunctionCallback())
	require.NoError(t, buf.Clear())
	require.NoError(t, sched.PreUpdateCallback())
	require.NoError(t, sched.EndScheduling())

	// Iteration 1 (trace): function 2 now gets buf again instead of clearing it, which
	// contradicts the schedule's preclear annotation from iteration 0.
	sched.StartScheduling()
	require.NoError(t, sched.PreFunctionCallback())
	require.NoError(t, buf.Get(dtypes.Float32, memarray.DeviceContext, swapio.FlagNone))
	require.NoError(t, sched.PreFunctionCallback())

	err := buf.Get(dtypes.Float32, memarray.DeviceContext, swapio.FlagNone)
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrTraceDivergence)
}

func TestUseDALIValidatesBatchCount(t *testing.T) {
	sched, _, _ := newRig(t, 1<<20)

	err := sched.UseDALI(nil)
	assert.ErrorIs(t, err, scheduler.ErrEmptyDALIBatch)

	dev := memarray.NewDevice(1)
	defer dev.Close()
	a := memarray.New(8, dtypes.Float32, dev, nil)
	b := memarray.New(8, dtypes.Float32, dev, nil)
	err = sched.UseDALI([]scheduler.DALIBatch{{a, b}, {a, b}})
	assert.ErrorIs(t, err, scheduler.ErrMultiDevice)
}

// runDALIIteration is a minimal one-function iteration that reads x then t, for exercising
// the double-buffering hook in isolation from the layer-chain helper above.
func runDALIIteration(sched *scheduler.Scheduler, x, t *memarray.Buffer) error {
	sched.StartScheduling()
	if err := sched.PreFunctionCallback(); err != nil {
		return err
	}
	if err := x.Get(dtypes.Float32, memarray.DeviceContext, swapio.FlagNone); err != nil {
		return err
	}
	if err := t.Get(dtypes.Float32, memarray.DeviceContext, swapio.FlagNone); err != nil {
		return err
	}
	if err := sched.PreUpdateCallback(); err != nil {
		return err
	}
	return sched.EndScheduling()
}

func TestUseDALIAlternatesPhysicalBuffersAcrossIterations(t *testing.T) {
	sched, dev, slot := newRig(t, 1<<24)
	x0 := memarray.New(256, dtypes.Float32, dev, slot)
	t0 := memarray.New(256, dtypes.Float32, dev, slot)
	x1 := memarray.New(256, dtypes.Float32, dev, slot)
	t1 := memarray.New(256, dtypes.Float32, dev, slot)
	for _, b := range []*memarray.Buffer{x0, t0, x1, t1} {
		b.Seed()
	}

	// Iteration 0: record, using the first physical pair.
	require.NoError(t, sched.UseDALI([]scheduler.DALIBatch{{x0, t0}}))
	require.NoError(t, runDALIIteration(sched, x0, t0))

	// Iteration 1: trace, switching to the second physical pair.
	require.NoError(t, sched.UseDALI([]scheduler.DALIBatch{{x1, t1}}))
	require.NoError(t, runDALIIteration(sched, x1, t1))

	// Iteration 2: trace, switching back to the first physical pair.
	require.NoError(t, sched.UseDALI([]scheduler.DALIBatch{{x0, t0}}))
	require.NoError(t, runDALIIteration(sched, x0, t0))

	assert.EqualValues(t, 3, sched.IterCount())
}

// TestTraceCallbackSubstitutesHandleWithoutDALI exercises the plain handle-substitution
// branch inside traceCallback directly, without going through UseDALI's rewrite path: a
// second iteration accesses a different *memarray.Buffer, at the same position in the
// access sequence and with matching tag/dtype/context, as occupied the first iteration's
// recorded slot.
func TestTraceCallbackSubstitutesHandleWithoutDALI(t *testing.T) {
	sched, dev, slot := newRig(t, 1<<24)
	bufs := seedBuffers(dev, slot, 3, 1024)
	altFirst := memarray.New(1024, dtypes.Float32, dev, slot)
	altFirst.Seed()

	require.NoError(t, runLayerIteration(sched, bufs))

	substituted := []*memarray.Buffer{altFirst, bufs[1], bufs[2]}
	require.NoError(t, runLayerIteration(sched, substituted))

	assert.EqualValues(t, 2, sched.IterCount())
}

// TestUseDALILookupFailsWhenHandleExpiredBeforeSubstitution exercises ErrDoubleBufferExpired:
// the data loader recycles a physical buffer from iteration 0 before the scheduler ever
// gets to resolve it against the recorded trace.
func TestUseDALILookupFailsWhenHandleExpiredBeforeSubstitution(t *testing.T) {
	sched, dev, slot := newRig(t, 1<<24)
	x0 := memarray.New(256, dtypes.Float32, dev, slot)
	t0 := memarray.New(256, dtypes.Float32, dev, slot)
	x1 := memarray.New(256, dtypes.Float32, dev, slot)
	t1 := memarray.New(256, dtypes.Float32, dev, slot)
	for _, b := range []*memarray.Buffer{x0, t0, x1, t1} {
		b.Seed()
	}

	require.NoError(t, sched.UseDALI([]scheduler.DALIBatch{{x0, t0}}))
	require.NoError(t, runDALIIteration(sched, x0, t0))

	x0.Expire()

	err := sched.UseDALI([]scheduler.DALIBatch{{x1, t1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrDoubleBufferExpired)
}
