// Package taskfile parses the plain-text task file described in spec
// §6: blank-line-separated blocks, '#'-prefixed comment lines, a queue
// id on the first line, command lines in the middle, an optional
// device-count line, and a trailing memory requirement line.
//
// Grounded on original_source/app/utils/gpus_command_file.py's
// _parse_number: scan to the first digit character, slice from there,
// then take only the leading whitespace-delimited token before
// converting to an integer — reproduced exactly so "a leading integer
// token is accepted with trailing comment" matches the original
// byte-for-byte.
//
// Re-entry on restart is not implemented: every call to Parse re-reads
// the file from scratch and produces fresh pending tasks, mirroring the
// original's behavior of restarting all tasks on daemon restart (spec
// §9 open question, resolved: no persistence of completed status).
package taskfile

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gpuscheduler/gpu-scheduler/internal/task"
)

// minBlockLines is the minimum non-comment lines a block needs:
// queue id, at least one command, and a memory requirement.
const minBlockLines = 3

// Parse reads path and returns one Description per well-formed block.
// A block with fewer than the required non-comment lines is skipped
// with a warning; the parser never returns an error for malformed
// blocks and never aborts the daemon (spec §6/§7.4). It returns an
// error only if the file itself cannot be opened.
func Parse(path, workDir string, logger *logrus.Logger) ([]task.Description, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task file: %w", err)
	}
	defer f.Close()

	blocks, err := splitBlocks(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var descriptions []task.Description
	for i, block := range blocks {
		desc, ok := parseBlock(block, workDir)
		if !ok {
			logger.WithField("block", i).Warn("taskfile: skipping malformed task block")
			continue
		}
		descriptions = append(descriptions, desc)
	}
	return descriptions, nil
}

// splitBlocks reads the file and groups non-empty lines into blocks
// separated by one or more blank lines, matching the original's
// `content.strip().split('\n\n')` behavior for the common case of
// single-blank-line separators.
func splitBlocks(f *os.File) ([][]string, error) {
	var blocks [][]string
	var current []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks, scanner.Err()
}

func parseBlock(block []string, workDir string) (task.Description, bool) {
	lines := make([]string, 0, len(block))
	for _, line := range block {
		if strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}

	if len(lines) < minBlockLines {
		return task.Description{}, false
	}

	queueID, err := parseNumber(lines[0])
	if err != nil {
		return task.Description{}, false
	}

	memLine := lines[len(lines)-1]
	memGiB, err := parseNumber(memLine)
	if err != nil {
		return task.Description{}, false
	}

	// If there are at least 4 non-comment lines, the penultimate one is
	// an explicit device-count request; otherwise this is a single-GPU
	// task and the count defaults to 1 (spec §6: "For multi-GPU tasks,
	// the penultimate non-comment line is the required device count").
	deviceCount := 1
	commandsEnd := len(lines) - 1
	if len(lines) >= minBlockLines+1 {
		if n, err := parseNumber(lines[len(lines)-2]); err == nil {
			deviceCount = n
			commandsEnd = len(lines) - 2
		}
	}

	commands := append([]string(nil), lines[1:commandsEnd]...)
	if len(commands) == 0 {
		return task.Description{}, false
	}

	return task.Description{
		QueueID:     queueID,
		Commands:    commands,
		DeviceCount: deviceCount,
		MemGiB:      float64(memGiB),
		WorkDir:     workDir,
	}, true
}

// parseNumber extracts a leading integer from line, tolerating a
// trailing comment: scan to the first digit character, slice from
// there, then keep only the first whitespace-delimited token.
func parseNumber(line string) (int, error) {
	digitAt := -1
	for i, r := range line {
		if r >= '0' && r <= '9' {
			digitAt = i
			break
		}
	}
	if digitAt < 0 {
		return 0, fmt.Errorf("no digit found in %q", line)
	}
	rest := line[digitAt:]
	token := strings.Fields(rest)[0]
	return strconv.Atoi(token)
}
