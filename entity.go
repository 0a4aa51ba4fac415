package conveyor

import "time"

// Entity carries the timestamp columns shared by all persisted records.
// Embed it in entity structs; repositories maintain UpdatedAt on write.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity with both timestamps set to the current
// UTC time.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}
