package models

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh 128-bit identifier rendered as 32 lowercase hex
// characters. All persistent entities share this format.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
