package model

import "time"

// ToggleAudit records one toggle attempt for the optional MySQL audit trail.
type ToggleAudit struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Action    string    `gorm:"size:16" json:"action"` // enable/disable
	Host      string    `gorm:"size:64" json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Succeeded bool      `json:"succeeded"`
	Detail    string    `gorm:"size:255" json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
