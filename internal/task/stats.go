package task

import (
	"math"
	"time"

	"github.com/dukerupert/famtask/internal/model"
)

// ComputeStats counts tasks by state. Completed includes validated tasks.
func ComputeStats(tasks []model.Task, now time.Time) model.TaskStats {
	var st model.TaskStats
	st.Total = len(tasks)
	for i := range tasks {
		t := &tasks[i]
		switch t.Status {
		case model.TaskPending:
			st.Pending++
			if t.Overdue(now) {
				st.Overdue++
			}
		case model.TaskCompleted, model.TaskValidated:
			st.Completed++
		}
	}
	if st.Total > 0 {
		st.CompletionRate = int(math.Round(float64(st.Completed) / float64(st.Total) * 100))
	}
	return st
}
