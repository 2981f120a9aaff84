package offline

import (
	"fmt"
	"slices"
	"time"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/task"
)

type Strategy string

const (
	// StrategyApply: the server has not changed since the edit was made.
	StrategyApply Strategy = "apply"
	// StrategyMerge: only the edited fields are written over the server copy.
	StrategyMerge Strategy = "merge"
	// StrategyOverwrite: the local view replaces every patchable field.
	StrategyOverwrite Strategy = "overwrite"
)

// Decision is how a queued patch is written.
type Decision struct {
	Strategy Strategy
	Patch    task.Patch
	Overlap  []string
}

// Resolve decides how to write a local patch made against base when the
// server now holds current. lastKnown is the server timestamp the edit was
// made against and editedAt is when it was made.
//
// Edits touching fields the server did not change are merged. When both
// sides changed a field, the newer side wins it: a newer local edit
// overwrites the whole record, a newer server change keeps the overlapping
// fields and the rest of the edit is merged. An edit the server wins
// entirely is a conflict. Equal timestamps merge with the local edit taking
// precedence.
func Resolve(base, current *model.Task, local task.Patch, lastKnown *time.Time, editedAt time.Time) (Decision, error) {
	if lastKnown == nil || current.UpdatedAt.Equal(*lastKnown) {
		return Decision{Strategy: StrategyApply, Patch: local}, nil
	}

	var serverChanged []string
	if base != nil {
		serverChanged = task.ChangedFields(base, current)
	} else {
		serverChanged = task.ChangedFields(&model.Task{}, current)
	}
	var overlap []string
	for _, f := range local.Fields() {
		if slices.Contains(serverChanged, f) {
			overlap = append(overlap, f)
		}
	}

	switch {
	case len(overlap) == 0:
		return Decision{Strategy: StrategyMerge, Patch: local}, nil
	case editedAt.After(current.UpdatedAt):
		view := *current
		if base != nil {
			view = *base
		}
		local.Apply(&view)
		p := task.FullPatch(&view)
		if !slices.Contains(task.ChangedFields(&view, current), task.FieldDueDate) {
			// An unchanged due date may have passed since; leave it alone.
			p = p.Without([]string{task.FieldDueDate})
		}
		return Decision{Strategy: StrategyOverwrite, Patch: p, Overlap: overlap}, nil
	case editedAt.Equal(current.UpdatedAt):
		return Decision{Strategy: StrategyMerge, Patch: local, Overlap: overlap}, nil
	}

	rest := local.Without(overlap)
	if rest.IsEmpty() {
		return Decision{Overlap: overlap}, fmt.Errorf("%w: %v changed on the server", apperr.ErrConflict, overlap)
	}
	return Decision{Strategy: StrategyMerge, Patch: rest, Overlap: overlap}, nil
}
