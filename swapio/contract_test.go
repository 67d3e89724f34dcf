package swapio

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
)

func TestAsyncFlagHas(t *testing.T) {
	f := FlagAsync | FlagUnsafe
	assert.True(t, f.Has(FlagAsync))
	assert.True(t, f.Has(FlagUnsafe))
	assert.True(t, f.Has(FlagAsync|FlagUnsafe))
	assert.False(t, FlagAsync.Has(FlagUnsafe))
	assert.True(t, FlagNone.Has(FlagNone))
}

func TestCallbackTagString(t *testing.T) {
	assert.Equal(t, "Get", OpGet.String())
	assert.Equal(t, "Cast", OpCast.String())
	assert.Equal(t, "Clear", OpClear.String())
	assert.Equal(t, "Unknown", CallbackTag(99).String())
}

func TestArrayKey(t *testing.T) {
	assert.Equal(t, "Cpu", ArrayKey(Context{ArrayClass: "Cpu"}))
	assert.Equal(t, "Cuda/0", ArrayKey(Context{ArrayClass: "Cuda", Key: "0"}))
	assert.NotEqual(t, ArrayKey(Context{ArrayClass: "Cuda", Key: "0"}), ArrayKey(Context{ArrayClass: "Cuda", Key: "1"}))
}

func TestCallbackSlot(t *testing.T) {
	var slot CallbackSlot
	var calls int
	slot.Invoke(nil, OpGet, dtypes.Float32, Context{}, false)
	assert.Equal(t, 0, calls)

	slot.Set(func(h Handle, tag CallbackTag, dtype DType, ctx Context, writeOnly bool) {
		calls++
	})
	slot.Invoke(nil, OpGet, dtypes.Float32, Context{}, false)
	assert.Equal(t, 1, calls)

	slot.Unset()
	slot.Invoke(nil, OpGet, dtypes.Float32, Context{}, false)
	assert.Equal(t, 1, calls)
}

func TestErrUnsupportedArrayClass(t *testing.T) {
	err := ErrUnsupportedArrayClass("Weird")
	assert.ErrorIs(t, err, ErrUnsupportedArrayClassSentinel)
	assert.Contains(t, err.Error(), "Weird")
}
