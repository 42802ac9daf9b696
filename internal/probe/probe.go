// Package probe is the GPU Probe external collaborator (spec §4.1):
// stateless queries against nvidia-smi returning free memory per
// device, per-device foreign-user occupancy, and device enumeration.
// Every call is side-effect free from the engine's point of view and
// safe to call concurrently from multiple queue workers.
//
// Grounded on the exec.CommandContext shellout and CSV-parsing idiom in
// gfd-extender/pkg/detect/smi.go: a timeout constant, a package-level
// exec seam for test substitution, and CSV field-index constants.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const smiTimeout = 10 * time.Second

// execNvidiaSMI is the test seam: tests replace it with a fake that
// returns canned CSV without touching the driver.
var execNvidiaSMI = runNvidiaSMI

func runNvidiaSMI(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, smiTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w", err)
	}
	return out, nil
}

// Probe implements the spec §4.1 interface. It holds no mutable
// scheduling state. Every query waits on limiter before shelling out;
// the limiter has an unlimited rate, so that wait never blocks and the
// number of nvidia-smi processes running at once is not bounded.
type Probe struct {
	logger  *logrus.Logger
	limiter *rate.Limiter
}

// New constructs a Probe. burst (4 when not positive) is the limiter's
// token bucket size; with the limiter's unlimited rate it does not cap
// how many nvidia-smi invocations run concurrently.
func New(logger *logrus.Logger, burst int) *Probe {
	if burst <= 0 {
		burst = 4
	}
	return &Probe{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Inf, burst),
	}
}

// EnumerateDevices returns the total set of device ids the engine may
// consider.
func (p *Probe) EnumerateDevices(ctx context.Context) ([]int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := execNvidiaSMI(ctx, "--query-gpu=index", "--format=csv,noheader")
	if err != nil {
		return nil, err
	}

	var devices []int
	for _, line := range splitCSVLines(out) {
		n, err := strconv.Atoi(strings.TrimSpace(line[0]))
		if err != nil {
			continue
		}
		devices = append(devices, n)
	}
	return devices, nil
}

// FreeMemoryGiB returns the free memory of device in GiB. On any error
// it conservatively returns 0.0 so the device is judged unavailable
// (spec §4.1).
func (p *Probe) FreeMemoryGiB(ctx context.Context, device int) float64 {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0
	}

	out, err := execNvidiaSMI(ctx,
		"--query-gpu=memory.free", "--format=csv,noheader,nounits",
		"-i", strconv.Itoa(device))
	if err != nil {
		p.logger.WithError(err).WithField("device", device).Debug("probe: free memory query failed")
		return 0
	}

	lines := splitCSVLines(out)
	if len(lines) == 0 || len(lines[0]) == 0 {
		return 0
	}
	miB, err := strconv.ParseFloat(strings.TrimSpace(lines[0][0]), 64)
	if err != nil {
		return 0
	}
	return miB / 1024
}

// MemoryStatsGiB returns a single instantaneous free/used/total memory
// reading in GiB for device. Used by internal/selector's sampling
// burst; any error conservatively reports all-zero stats.
func (p *Probe) MemoryStatsGiB(ctx context.Context, device int) (free, used, total float64) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, 0, 0
	}

	out, err := execNvidiaSMI(ctx,
		"--query-gpu=memory.free,memory.used,memory.total", "--format=csv,noheader,nounits",
		"-i", strconv.Itoa(device))
	if err != nil {
		p.logger.WithError(err).WithField("device", device).Debug("probe: memory stats query failed")
		return 0, 0, 0
	}

	lines := splitCSVLines(out)
	if len(lines) == 0 || len(lines[0]) < 3 {
		return 0, 0, 0
	}
	freeMiB, _ := strconv.ParseFloat(lines[0][0], 64)
	usedMiB, _ := strconv.ParseFloat(lines[0][1], 64)
	totalMiB, _ := strconv.ParseFloat(lines[0][2], 64)
	return freeMiB / 1024, usedMiB / 1024, totalMiB / 1024
}

// ForeignUsersOn returns the pids running on device that belong to the
// current OS user but are not children of this scheduler process. Only
// meaningful when maximize_resource_utilization is false (spec §4.1).
// --query-compute-apps has no per-device filter, so this resolves
// device's PCI bus id first and keeps only the rows whose gpu_bus_id
// matches it.
func (p *Probe) ForeignUsersOn(ctx context.Context, device int) ([]int, error) {
	busID, err := p.busIDFor(ctx, device)
	if err != nil {
		return nil, err
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out, err := execNvidiaSMI(ctx, "--query-compute-apps=pid,gpu_bus_id", "--format=csv,noheader")
	if err != nil {
		return nil, err
	}

	uid := os.Getuid()
	pgid := os.Getpgrp()

	var pids []int
	for _, fields := range splitCSVLines(out) {
		if len(fields) < 2 {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(fields[1]), busID) {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		if !ownedByUser(pid, uid) || inProcessGroup(pid, pgid) {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// busIDFor resolves device's PCI bus id, the join key nvidia-smi uses
// to tie a --query-compute-apps row back to a specific GPU index.
func (p *Probe) busIDFor(ctx context.Context, device int) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	out, err := execNvidiaSMI(ctx,
		"--query-gpu=gpu_bus_id", "--format=csv,noheader",
		"-i", strconv.Itoa(device))
	if err != nil {
		return "", err
	}

	lines := splitCSVLines(out)
	if len(lines) == 0 || len(lines[0]) == 0 {
		return "", fmt.Errorf("no bus id reported for device %d", device)
	}
	return strings.TrimSpace(lines[0][0]), nil
}

func splitCSVLines(out []byte) [][]string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte{'\n'})
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fields := strings.Split(string(line), ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		rows = append(rows, fields)
	}
	return rows
}
