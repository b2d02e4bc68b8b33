package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NormalizeGUID strips braces and whitespace from a GUID string and lowers it.
// Dataverse accepts GUIDs only in bare lowercase form inside key predicates.
func NormalizeGUID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "{")
	id = strings.TrimSuffix(id, "}")
	return strings.ToLower(id)
}

// IsGUID reports whether a string parses as a GUID after normalization.
func IsGUID(id string) bool {
	_, err := uuid.Parse(NormalizeGUID(id))
	return err == nil
}

// NewGUID returns a fresh random GUID in the bare lowercase form.
func NewGUID() string {
	return uuid.NewString()
}
