package domain

import (
	"errors"
	"time"
)

// User is the local identity correlated 1:1 with an IdP subject.
type User struct {
	ID                string
	ExternalSubjectID string
	DisplayName       string
	Email             string
	EmailVerified     bool
	PictureURL        string
	Phone             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Profile carries the IdP claims synced on every sighting. Empty fields keep the stored value.
type Profile struct {
	DisplayName   string
	Email         string
	EmailVerified bool
	PictureURL    string
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ExternalSubjectID == "" {
		return errors.New("external subject id is required")
	}
	return nil
}

// Apply copies the non-empty profile fields onto u.
func (u *User) Apply(p Profile) {
	if p.DisplayName != "" {
		u.DisplayName = p.DisplayName
	}
	if p.Email != "" {
		u.Email = p.Email
	}
	if p.PictureURL != "" {
		u.PictureURL = p.PictureURL
	}
	u.EmailVerified = u.EmailVerified || p.EmailVerified
}
