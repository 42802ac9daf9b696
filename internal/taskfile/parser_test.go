package taskfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTaskFile(t *testing.T, contents string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseSingleGPUTask(t *testing.T) {
	path := writeTaskFile(t, "1\necho ok\n2\n")

	got, err := Parse(path, "/work", logrus.New())
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, 1, got[0].QueueID)
	assert.Equal(t, []string{"echo ok"}, got[0].Commands)
	assert.Equal(t, 1, got[0].DeviceCount)
	assert.Equal(t, 2.0, got[0].MemGiB)
}

func TestParseMultiGPUTask(t *testing.T) {
	path := writeTaskFile(t, "3 # queue three\npython train.py {work_dir}\n2 # gpu count\n8 # mem gib\n")

	got, err := Parse(path, "/work", logrus.New())
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, 3, got[0].QueueID)
	assert.Equal(t, 2, got[0].DeviceCount)
	assert.Equal(t, 8.0, got[0].MemGiB)
}

func TestSkipsMalformedBlockButParsesOthers(t *testing.T) {
	path := writeTaskFile(t, "# comment only block\n# nothing else\n\n1\necho ok\n2\n")

	got, err := Parse(path, "", logrus.New())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].QueueID)
}

func TestCommentsAreStripped(t *testing.T) {
	path := writeTaskFile(t, "# header comment\n1\necho hello\n# inline comment line\n4\n")

	got, err := Parse(path, "", logrus.New())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"echo hello"}, got[0].Commands)
}

func TestParseNumberTrailingComment(t *testing.T) {
	n, err := parseNumber("2 # a trailing comment here")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGroupIntoQueuesPreservesFileOrder(t *testing.T) {
	path := writeTaskFile(t, "1\necho a\n2\n\n2\necho b\n2\n\n1\necho c\n2\n")

	descs, err := Parse(path, "", logrus.New())
	require.NoError(t, err)
	require.Len(t, descs, 3)

	queues := GroupIntoQueues(descs)
	require.Len(t, queues, 2)
	assert.Equal(t, 1, queues[0].ID)
	require.Len(t, queues[0].Tasks, 2)
	assert.Equal(t, 0, queues[0].Tasks[0].Index)
	assert.Equal(t, 1, queues[0].Tasks[1].Index)
	assert.Equal(t, "echo a", queues[0].Tasks[0].Commands[0])
	assert.Equal(t, "echo c", queues[0].Tasks[1].Commands[0])
}
