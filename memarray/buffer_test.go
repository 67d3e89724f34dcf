package memarray

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lms/swapio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferGetCastReportsThroughSlot(t *testing.T) {
	var slot swapio.CallbackSlot
	var seen []swapio.CallbackTag
	slot.Set(func(h swapio.Handle, tag swapio.CallbackTag, dtype swapio.DType, ctx swapio.Context, writeOnly bool) {
		seen = append(seen, tag)
	})

	dev := NewDevice(1)
	defer dev.Close()
	b := New(16, dtypes.Float32, dev, &slot)

	require.NoError(t, b.Get(dtypes.Float32, HostContext, swapio.FlagNone))
	require.NoError(t, b.Cast(dtypes.Float32, DeviceContext, true, swapio.FlagNone))
	require.NoError(t, b.Clear())

	assert.Equal(t, []swapio.CallbackTag{swapio.OpGet, swapio.OpCast, swapio.OpClear}, seen)
	assert.Equal(t, 0, b.NumArrays())
	assert.Equal(t, "", b.HeadArrayClass())
}

func TestBufferClearConvertsThrownPanicToError(t *testing.T) {
	var slot swapio.CallbackSlot
	boom := swapio.ErrUnsupportedArrayClass("bogus")
	slot.Set(func(h swapio.Handle, tag swapio.CallbackTag, dtype swapio.DType, ctx swapio.Context, writeOnly bool) {
		exceptions.Throw(boom)
	})

	dev := NewDevice(1)
	defer dev.Close()
	b := New(16, dtypes.Float32, dev, &slot)

	err := b.Clear()
	require.Error(t, err)
	assert.ErrorIs(t, err, swapio.ErrUnsupportedArrayClassSentinel)
}

func TestBufferSeedIsSynchronousAndUnreported(t *testing.T) {
	var slot swapio.CallbackSlot
	var calls int
	slot.Set(func(h swapio.Handle, tag swapio.CallbackTag, dtype swapio.DType, ctx swapio.Context, writeOnly bool) {
		calls++
	})

	b := New(4, dtypes.Float32, nil, &slot)
	b.Seed()
	assert.Equal(t, 0, calls)
	assert.Equal(t, ClassHost, b.HeadArrayClass())
	assert.Equal(t, 1, b.NumArrays())
}

func TestWeakHandleExpire(t *testing.T) {
	b := New(4, dtypes.Float32, nil, nil)
	weak := b.Weak()

	h, ok := weak.Lock()
	require.True(t, ok)
	assert.Same(t, b, h)

	b.weak.Expire()
	_, ok = weak.Lock()
	assert.False(t, ok)
}

func TestAsyncCastMaterializesOnceSynchronized(t *testing.T) {
	var slot swapio.CallbackSlot
	dev := NewDevice(1)
	defer dev.Close()
	b := New(1<<16, dtypes.Float32, dev, &slot)

	require.NoError(t, b.Cast(dtypes.Float32, DeviceContext, true, swapio.FlagAsync|swapio.FlagUnsafe))
	require.NoError(t, dev.Synchronize(DeviceContext))
	assert.Equal(t, 1, b.NumArrays())
}
