package taskfile

import (
	"sort"
	"strconv"

	"github.com/gpuscheduler/gpu-scheduler/internal/task"
)

// GroupIntoQueues partitions descriptions by QueueID, preserving file
// order within each queue (spec §3: "queues preserve file order"), and
// assigns each task its Index and a fresh Task value.
func GroupIntoQueues(descriptions []task.Description) []*task.Queue {
	byID := make(map[int]*task.Queue)
	var order []int

	for _, desc := range descriptions {
		q, ok := byID[desc.QueueID]
		if !ok {
			q = &task.Queue{ID: desc.QueueID, Label: strconv.Itoa(desc.QueueID)}
			byID[desc.QueueID] = q
			order = append(order, desc.QueueID)
		}
		desc.Index = len(q.Tasks)
		q.Tasks = append(q.Tasks, task.New(desc))
	}

	sort.Ints(order)
	queues := make([]*task.Queue, 0, len(order))
	for _, id := range order {
		queues = append(queues, byID[id])
	}
	return queues
}
