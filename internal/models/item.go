package models

import "time"

// Item is a catalog item in the Source database.
type Item struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"family_id"`
	Name      string    `json:"name"`
	Fields    FieldSet  `json:"fields"`
	SkipSync  bool      `json:"skip_sync"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityLink is the persisted correspondence between a Source item and its Remote record.
type EntityLink struct {
	SourceID  string    `json:"source_id"`
	RemoteID  string    `json:"remote_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
