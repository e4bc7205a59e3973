package models

import "time"

type Branch struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Code       string    `json:"code"`
	NextTicket int64     `json:"-"`
	IsDefault  bool      `json:"isDefault,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
