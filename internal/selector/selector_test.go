package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixedSampler(stats map[int]Stats) SampleFunc {
	return func(device int) Stats { return stats[device] }
}

// TestTieBreakSaveMode encodes S5: three candidates with identical
// stats -> equal priorities -> ascending device id wins.
func TestTieBreakSaveMode(t *testing.T) {
	stats := map[int]Stats{
		2: {Device: 2, UsedGiB: 1, TotalGiB: 10, FreeGiB: 9},
		0: {Device: 0, UsedGiB: 1, TotalGiB: 10, FreeGiB: 9},
		1: {Device: 1, UsedGiB: 1, TotalGiB: 10, FreeGiB: 9},
	}

	got := Select([]int{2, 0, 1}, 2, 0, ModeSave, fixedSampler(stats), Config{Samples: 1})
	assert.Equal(t, []int{0, 1}, got)
}

func TestFiltersByRequiredMemory(t *testing.T) {
	stats := map[int]Stats{
		0: {Device: 0, FreeGiB: 1, UsedGiB: 9, TotalGiB: 10},
		1: {Device: 1, FreeGiB: 5, UsedGiB: 5, TotalGiB: 10},
	}

	got := Select([]int{0, 1}, 2, 2, ModeSave, fixedSampler(stats), Config{Samples: 1})
	assert.Equal(t, []int{1}, got)
}

func TestSaveModePacksTight(t *testing.T) {
	// device 0 looks idle (util low) but has little free memory -> preferred in save mode
	stats := map[int]Stats{
		0: {Device: 0, FreeGiB: 2, UsedGiB: 1, TotalGiB: 10}, // util=0.1, primary=0.2
		1: {Device: 1, FreeGiB: 8, UsedGiB: 8, TotalGiB: 10}, // util=0.8, primary=6.4
	}

	got := Select([]int{0, 1}, 1, 1, ModeSave, fixedSampler(stats), Config{Samples: 1})
	assert.Equal(t, []int{0}, got)
}

func TestSafeModeAvoidsCollisions(t *testing.T) {
	stats := map[int]Stats{
		0: {Device: 0, FreeGiB: 2, UsedGiB: 8, TotalGiB: 10}, // util=0.8, primary=6.4
		1: {Device: 1, FreeGiB: 8, UsedGiB: 2, TotalGiB: 10}, // util=0.2, primary=0.4
	}

	got := Select([]int{0, 1}, 1, 1, ModeSafe, fixedSampler(stats), Config{Samples: 1})
	assert.Equal(t, []int{1}, got)
}

func TestReturnsShorterWhenNotEnoughCandidates(t *testing.T) {
	stats := map[int]Stats{0: {Device: 0, FreeGiB: 5, UsedGiB: 1, TotalGiB: 10}}

	got := Select([]int{0}, 3, 1, ModeSave, fixedSampler(stats), Config{Samples: 1})
	assert.Equal(t, []int{0}, got)
}

func TestAveragesAcrossSamples(t *testing.T) {
	calls := []Stats{
		{Device: 0, FreeGiB: 0, UsedGiB: 10, TotalGiB: 10},
		{Device: 0, FreeGiB: 10, UsedGiB: 0, TotalGiB: 10},
	}
	i := 0
	sample := func(device int) Stats {
		s := calls[i%len(calls)]
		i++
		return s
	}

	got := Select([]int{0}, 1, 1, ModeSave, sample, Config{Samples: 2})
	assert.Equal(t, []int{0}, got) // average free=5 >= required 1
}
