// Package selector implements the GPU selection scoring algorithm
// (spec §4.2), grounded on the sampling and priority-tuple scoring in
// the original gpu_select.py: sample K stats per candidate, average,
// filter by required memory, sort by a mode-dependent priority pair,
// and return the first count devices.
package selector

import (
	"sort"
	"time"
)

// Mode selects which priority formula scores candidates.
type Mode int

const (
	// ModeSave packs tightly: prefers devices that look idle but have
	// little free memory, leaving large-free devices for big jobs.
	ModeSave Mode = iota
	// ModeSafe avoids collisions: prefers devices that look idle and
	// have little used memory.
	ModeSafe
)

// Stats is a per-device snapshot averaged across the sampling burst.
type Stats struct {
	Device      int
	FreeGiB     float64
	UsedGiB     float64
	TotalGiB    float64 // taken from the first sample only
	ComputeUtil float64 // 0-100, averaged with the other fields but
	// unused in the priority formulas
}

// memUtilization is used/total, clamped to [0,1]; total == 0 reports 0
// rather than dividing by zero (a device with no memory is never a
// sane scheduling target anyway).
func (s Stats) memUtilization() float64 {
	if s.TotalGiB <= 0 {
		return 0
	}
	u := s.UsedGiB / s.TotalGiB
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// SampleFunc returns one instantaneous stats reading for device. The
// selector calls it K times per candidate, 100ms apart, and averages
// the result (free/used averaged, total taken from the first sample).
type SampleFunc func(device int) Stats

// Config controls the sampling burst. Defaults match spec §4.2:
// K=30 samples at 100ms intervals (~3s total). The design contract is
// "must not be fooled by sub-second spikes" (spec §9) — any sampler
// satisfying that is acceptable, so both fields are overridable for
// tests (which use K=1, interval=0).
type Config struct {
	Samples  int
	Interval time.Duration
}

// DefaultConfig is the production sampling burst.
var DefaultConfig = Config{Samples: 30, Interval: 100 * time.Millisecond}

type priority struct {
	device    int
	primary   float64
	secondary float64
}

// Select returns up to count devices from candidates satisfying
// requiredMemGiB, chosen by the mode's priority formula, ties broken by
// ascending device id.
func Select(candidates []int, count int, requiredMemGiB float64, mode Mode, sample SampleFunc, cfg Config) []int {
	if cfg.Samples <= 0 {
		cfg = DefaultConfig
	}

	averaged := make([]Stats, 0, len(candidates))
	for _, d := range candidates {
		averaged = append(averaged, averageSamples(d, sample, cfg))
	}

	eligible := make([]priority, 0, len(averaged))
	for _, s := range averaged {
		if s.FreeGiB < requiredMemGiB {
			continue
		}
		eligible = append(eligible, scorePriority(s, mode))
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.primary != b.primary {
			return a.primary < b.primary
		}
		if a.secondary != b.secondary {
			return a.secondary < b.secondary
		}
		return a.device < b.device
	})

	if count > len(eligible) {
		count = len(eligible)
	}

	out := make([]int, count)
	for i := 0; i < count; i++ {
		out[i] = eligible[i].device
	}
	return out
}

func averageSamples(device int, sample SampleFunc, cfg Config) Stats {
	var sumFree, sumUsed, sumUtil float64
	var total float64
	for i := 0; i < cfg.Samples; i++ {
		s := sample(device)
		if i == 0 {
			total = s.TotalGiB
		}
		sumFree += s.FreeGiB
		sumUsed += s.UsedGiB
		sumUtil += s.ComputeUtil
		if cfg.Interval > 0 && i < cfg.Samples-1 {
			time.Sleep(cfg.Interval)
		}
	}
	n := float64(cfg.Samples)
	return Stats{
		Device:      device,
		FreeGiB:     sumFree / n,
		UsedGiB:     sumUsed / n,
		TotalGiB:    total,
		ComputeUtil: sumUtil / n,
	}
}

func scorePriority(s Stats, mode Mode) priority {
	util := s.memUtilization()
	if mode == ModeSave {
		return priority{device: s.Device, primary: util * s.FreeGiB, secondary: s.FreeGiB}
	}
	return priority{device: s.Device, primary: util * s.UsedGiB, secondary: s.UsedGiB}
}
