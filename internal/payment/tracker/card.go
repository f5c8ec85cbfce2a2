package tracker

import "github.com/google/uuid"

// ValidCardID reports whether id is a canonical 8-4-4-4-12 hex UUID.
// uuid.Parse alone also accepts urn:, braced and unhyphenated forms, hence the length check.
func ValidCardID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
