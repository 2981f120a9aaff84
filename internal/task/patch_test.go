package task

import (
	"testing"
	"time"

	"github.com/dukerupert/famtask/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestPatchFields(t *testing.T) {
	due := time.Date(2026, 3, 20, 18, 0, 0, 0, time.UTC)
	p := Patch{Title: ptr("A title"), DueDate: &due, ReminderMinutes: ptr(15)}
	assert.Equal(t, []string{FieldTitle, FieldDueDate, FieldReminderMinutes}, p.Fields())
	assert.False(t, p.IsEmpty())
	assert.True(t, Patch{}.IsEmpty())
	assert.Equal(t, []string{FieldDueDate}, Patch{ClearDueDate: true}.Fields())
}

func TestChangedFieldsAndFullPatch(t *testing.T) {
	due := time.Date(2026, 3, 20, 18, 0, 0, 0, time.UTC)
	base := &model.Task{Title: "Dishes", Category: "Chores", AssigneeID: "kid-1", Priority: model.PriorityLow, DueDate: &due}

	changed := *base
	changed.Title = "Dishes and pans"
	later := due.Add(time.Hour)
	changed.DueDate = &later
	assert.Equal(t, []string{FieldTitle, FieldDueDate}, ChangedFields(base, &changed))

	sameDue := due.In(time.FixedZone("x", 3600))
	same := *base
	same.DueDate = &sameDue
	assert.Empty(t, ChangedFields(base, &same))

	target := &model.Task{}
	FullPatch(&changed).Apply(target)
	assert.Empty(t, ChangedFields(&changed, target))

	undated := *base
	undated.DueDate = nil
	onto := *base
	FullPatch(&undated).Apply(&onto)
	assert.Nil(t, onto.DueDate)
}
