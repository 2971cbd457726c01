package uuid

import (
	google_uuid "github.com/google/uuid"
)

// MustUUID generates a fresh random identifier. Clerk client ids and
// lock owner ids both rely on these colliding with negligible
// probability.
func MustUUID() string {
	return google_uuid.New().String()
}
