package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDynamicQuotaShrink encodes S3: candidates [0,1,2], gpu_left=1,
// min_gpu=1, max_gpu=3, device 2 foreign-occupied (free=0) ->
// available=2, max_allowed=min(3,max(1,2-1))=1.
func TestDynamicQuotaShrink(t *testing.T) {
	free := map[int]float64{0: 10, 1: 10, 2: 0}
	c := New([]int{0, 1, 2}, func(d int) float64 { return free[d] }, Config{GPULeft: 1, MinGPU: 1, MaxGPU: 3})

	assert.Equal(t, 1, c.MaxAllowed())
	assert.False(t, c.CanAcquire(0, 2))
	assert.True(t, c.CanAcquire(0, 1))
}

func TestMinGPUFloor(t *testing.T) {
	free := map[int]float64{0: 0, 1: 0, 2: 0}
	c := New([]int{0, 1, 2}, func(d int) float64 { return free[d] }, Config{GPULeft: 5, MinGPU: 2, MaxGPU: 4})

	// available=0, available-gpu_left=-5, floored to min_gpu=2
	assert.Equal(t, 2, c.MaxAllowed())
}

func TestMaxGPUCeiling(t *testing.T) {
	free := map[int]float64{0: 10, 1: 10, 2: 10, 3: 10}
	c := New([]int{0, 1, 2, 3}, func(d int) float64 { return free[d] }, Config{GPULeft: 0, MinGPU: 0, MaxGPU: 2})

	assert.Equal(t, 2, c.MaxAllowed())
}

func TestNeverNegative(t *testing.T) {
	free := map[int]float64{0: 0}
	c := New([]int{0}, func(d int) float64 { return free[d] }, Config{GPULeft: 10, MinGPU: 0, MaxGPU: 5})

	assert.Equal(t, 0, c.MaxAllowed())
}
