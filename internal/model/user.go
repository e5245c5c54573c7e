package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents an identity record stored in the database.
// CredentialHash is a bcrypt hash; it is empty exactly when the
// user is not registered. ID is the canonical identifier and stays
// stable across renames for verified users.
type User struct {
	ID             uuid.UUID
	Name           string
	CredentialHash string
	Verified       bool
	Registered     bool
	TitlesEnabled  bool
	LastAuth       time.Time
	LastIP         string
}
