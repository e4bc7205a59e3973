package models

import "time"

type QueueEntry struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Phone        string     `json:"phone"`
	ServiceID    string     `json:"serviceId"`
	BranchID     string     `json:"branchId"`
	TicketNumber int64      `json:"ticketNumber"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	NotifiedAt   *time.Time `json:"notifiedAt"`
	ServedAt     *time.Time `json:"servedAt"`
	CanceledAt   *time.Time `json:"canceledAt"`
}

const (
	StatusWaiting  = "waiting"
	StatusNotified = "notified"
	StatusServed   = "served"
	StatusCanceled = "canceled"
)

func ValidStatus(status string) bool {
	switch status {
	case StatusWaiting, StatusNotified, StatusServed, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the entry still holds a place in the queue.
func (e QueueEntry) IsActive() bool {
	return e.Status != StatusServed && e.Status != StatusCanceled
}

// Stamp sets the timestamp matching status. Other timestamps are kept so the
// entry's history survives later transitions.
func (e *QueueEntry) Stamp(status string, at time.Time) {
	e.Status = status
	switch status {
	case StatusNotified:
		e.NotifiedAt = &at
	case StatusServed:
		e.ServedAt = &at
	case StatusCanceled:
		e.CanceledAt = &at
	}
}
