package model

import "time"

type HubStats struct {
	InstanceID       string        `json:"instance_id"`
	TotalUsers       int           `json:"total_users"`
	TotalConnections int           `json:"total_connections"`
	Uptime           time.Duration `json:"uptime"`
}
