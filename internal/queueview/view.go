// Package queueview derives positions and wait estimates from a queue
// snapshot. Everything here is pure: the same entries and services always
// produce the same view.
package queueview

import (
	"math"
	"sort"
	"time"

	"qms/qsystem/internal/models"
)

// DefaultServiceMinutes is used for entries whose service is unknown or has no
// usable duration.
const DefaultServiceMinutes = 10

type Position struct {
	models.QueueEntry
	Position   int `json:"position"`
	ETAMinutes int `json:"etaMinutes"`
}

type View struct {
	Entries           []Position       `json:"entries"`
	NowServing        *Position        `json:"nowServing"`
	NextUp            *Position        `json:"nextUp"`
	ActiveCount       int              `json:"activeCount"`
	TotalWaitMinutes  int              `json:"totalWaitMinutes"`
	AvgServiceMinutes int              `json:"avgServiceMinutes"`
	LastCheckIn       *time.Time       `json:"lastCheckIn"`
	Services          []models.Service `json:"services"`
}

// Compute orders the active entries and assigns each one the summed duration
// of everyone ahead of it.
func Compute(entries []models.QueueEntry, services []models.Service) View {
	minutes := make(map[string]int, len(services))
	for _, service := range services {
		minutes[service.ID] = service.AvgMinutes
	}

	active := Active(entries)
	view := View{
		Entries:           make([]Position, 0, len(active)),
		ActiveCount:       len(active),
		AvgServiceMinutes: averageMinutes(services),
		LastCheckIn:       lastCheckIn(entries),
		Services:          services,
	}

	elapsed := 0
	for i, entry := range active {
		view.Entries = append(view.Entries, Position{
			QueueEntry: entry,
			Position:   i + 1,
			ETAMinutes: elapsed,
		})
		elapsed += serviceMinutes(minutes, entry.ServiceID)
	}
	view.TotalWaitMinutes = elapsed

	if len(view.Entries) > 0 {
		view.NowServing = &view.Entries[0]
	}
	if len(view.Entries) > 1 {
		view.NextUp = &view.Entries[1]
	}
	return view
}

// ETAFor returns the position of a single entry. ok is false when the entry is
// not active in the view.
func (v View) ETAFor(entryID string) (Position, bool) {
	for _, p := range v.Entries {
		if p.ID == entryID {
			return p, true
		}
	}
	return Position{}, false
}

// Active filters out served and canceled entries and orders the rest by
// check-in time, then ticket number.
func Active(entries []models.QueueEntry) []models.QueueEntry {
	active := make([]models.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsActive() {
			active = append(active, entry)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].TicketNumber < active[j].TicketNumber
	})
	return active
}

func serviceMinutes(minutes map[string]int, serviceID string) int {
	if m, ok := minutes[serviceID]; ok && m > 0 {
		return m
	}
	return DefaultServiceMinutes
}

func averageMinutes(services []models.Service) int {
	if len(services) == 0 {
		return 0
	}
	total := 0
	for _, service := range services {
		total += service.AvgMinutes
	}
	return int(math.Round(float64(total) / float64(len(services))))
}

func lastCheckIn(entries []models.QueueEntry) *time.Time {
	var latest *time.Time
	for i := range entries {
		created := entries[i].CreatedAt
		if latest == nil || created.After(*latest) {
			latest = &created
		}
	}
	return latest
}
