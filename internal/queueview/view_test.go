package queueview

import (
	"testing"
	"time"

	"qms/qsystem/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func entry(id, serviceID string, ticket int64, offset time.Duration, status string) models.QueueEntry {
	return models.QueueEntry{
		ID:           id,
		ServiceID:    serviceID,
		TicketNumber: ticket,
		Status:       status,
		CreatedAt:    base.Add(offset),
	}
}

func TestComputeWorkedExample(t *testing.T) {
	services := []models.Service{
		{ID: "a", Name: "A", AvgMinutes: 10},
		{ID: "b", Name: "B", AvgMinutes: 20},
	}
	entries := []models.QueueEntry{
		entry("e3", "a", 3, 2*time.Minute, models.StatusWaiting),
		entry("e1", "a", 1, 0, models.StatusWaiting),
		entry("e2", "b", 2, time.Minute, models.StatusNotified),
	}

	view := Compute(entries, services)

	require.Len(t, view.Entries, 3)
	var etas []int
	var positions []int
	for _, p := range view.Entries {
		etas = append(etas, p.ETAMinutes)
		positions = append(positions, p.Position)
	}
	assert.Equal(t, []int{0, 10, 30}, etas)
	assert.Equal(t, []int{1, 2, 3}, positions)
	assert.Equal(t, 40, view.TotalWaitMinutes)
	assert.Equal(t, 3, view.ActiveCount)
	assert.Equal(t, 15, view.AvgServiceMinutes)

	require.NotNil(t, view.NowServing)
	require.NotNil(t, view.NextUp)
	assert.Equal(t, "e1", view.NowServing.ID)
	assert.Equal(t, "e2", view.NextUp.ID)
}

func TestComputeSkipsInactiveAndDefaultsUnknownServices(t *testing.T) {
	services := []models.Service{{ID: "zero", AvgMinutes: 0}}
	entries := []models.QueueEntry{
		entry("served", "zero", 1, 0, models.StatusServed),
		entry("canceled", "zero", 2, time.Minute, models.StatusCanceled),
		entry("w1", "zero", 3, 2*time.Minute, models.StatusWaiting),
		entry("w2", "gone", 4, 3*time.Minute, models.StatusWaiting),
	}

	view := Compute(entries, services)

	require.Len(t, view.Entries, 2)
	assert.Equal(t, 0, view.Entries[0].ETAMinutes)
	assert.Equal(t, DefaultServiceMinutes, view.Entries[1].ETAMinutes)
	assert.Equal(t, 2*DefaultServiceMinutes, view.TotalWaitMinutes)
	require.NotNil(t, view.LastCheckIn)
	assert.Equal(t, base.Add(3*time.Minute), *view.LastCheckIn)
}

func TestComputeTiesBrokenByTicket(t *testing.T) {
	entries := []models.QueueEntry{
		entry("second", "", 2, 0, models.StatusWaiting),
		entry("first", "", 1, 0, models.StatusWaiting),
	}

	view := Compute(entries, nil)

	require.Len(t, view.Entries, 2)
	assert.Equal(t, "first", view.Entries[0].ID)
	assert.Equal(t, "second", view.Entries[1].ID)
	assert.Zero(t, view.AvgServiceMinutes)
}

func TestComputeEmpty(t *testing.T) {
	view := Compute(nil, nil)

	assert.Empty(t, view.Entries)
	assert.Nil(t, view.NowServing)
	assert.Nil(t, view.NextUp)
	assert.Nil(t, view.LastCheckIn)
	assert.Zero(t, view.TotalWaitMinutes)
}

func TestComputeIsDeterministic(t *testing.T) {
	services := []models.Service{{ID: "a", AvgMinutes: 7}}
	entries := []models.QueueEntry{
		entry("x", "a", 2, time.Minute, models.StatusWaiting),
		entry("y", "a", 1, time.Minute, models.StatusWaiting),
		entry("z", "a", 3, 0, models.StatusNotified),
	}

	assert.Equal(t, Compute(entries, services), Compute(entries, services))
}

func TestETAFor(t *testing.T) {
	services := []models.Service{{ID: "a", AvgMinutes: 5}}
	entries := []models.QueueEntry{
		entry("e1", "a", 1, 0, models.StatusWaiting),
		entry("e2", "a", 2, time.Minute, models.StatusWaiting),
		entry("done", "a", 3, 2*time.Minute, models.StatusServed),
	}
	view := Compute(entries, services)

	p, ok := view.ETAFor("e2")
	require.True(t, ok)
	assert.Equal(t, 2, p.Position)
	assert.Equal(t, 5, p.ETAMinutes)

	_, ok = view.ETAFor("done")
	assert.False(t, ok)
}
