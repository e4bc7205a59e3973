package models

import "time"

type Service struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	AvgMinutes int       `json:"avgMinutes"`
	CreatedAt  time.Time `json:"-"`
}

// DefaultCatalog seeds an empty service catalog.
var DefaultCatalog = []Service{
	{Name: "Walk-in", AvgMinutes: 12},
	{Name: "Consultation", AvgMinutes: 20},
	{Name: "Premium Service", AvgMinutes: 35},
}

// FallbackService is created when a check-in needs a default service and the catalog is empty.
var FallbackService = Service{Name: "Walk-in", AvgMinutes: 12}
