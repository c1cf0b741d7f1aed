package model

import "time"

// Presence is a connection lifecycle change observed on one instance.
type Presence struct {
	UserID       UserID    `json:"user_id"`
	InstanceID   string    `json:"instance_id"`
	ConnectionID string    `json:"connection_id"`
	Online       bool      `json:"online"`
	Connections  int       `json:"connections"` // local connections of UserID on InstanceID after the change
	At           time.Time `json:"at"`
}
