// Package user stores identities: one per wallet address, with the public key
// that records for that identity are encrypted to.
package user

import (
	"errors"
	"time"
)

// Role distinguishes record owners from record authors.
type Role string

// Roles.
const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

var (
	// ErrUserNotFound is returned when no identity matches the lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrWalletExists is returned when a wallet address is already registered.
	ErrWalletExists = errors.New("wallet address already registered")
)

// User is a registered identity. WalletAddress is stored lowercase and PublicKey
// never changes after creation.
type User struct {
	ID             string    `json:"id"`
	WalletAddress  string    `json:"walletAddress"`
	Role           Role      `json:"role"`
	Name           string    `json:"name"`
	Gender         string    `json:"gender,omitempty"`
	Age            int       `json:"age,omitempty"`
	BloodType      string    `json:"bloodType,omitempty"`
	Allergies      string    `json:"allergies,omitempty"`
	LicenseNumber  string    `json:"licenseNumber,omitempty"`
	Specialization string    `json:"specialization,omitempty"`
	HospitalName   string    `json:"hospitalName,omitempty"`
	PublicKey      string    `json:"publicKey,omitempty"`
	IsVerified     bool      `json:"isVerified"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Profile holds the fields a user may change about themselves. Nil means unchanged.
type Profile struct {
	Name           *string
	Gender         *string
	Age            *int
	BloodType      *string
	Allergies      *string
	Specialization *string
	HospitalName   *string
}

// Apply copies set fields onto u and returns the names of fields that changed.
func (p Profile) Apply(u *User) []string {
	var changed []string
	setString := func(field string, dst *string, src *string) {
		if src != nil && *src != *dst {
			*dst = *src
			changed = append(changed, field)
		}
	}
	setString("name", &u.Name, p.Name)
	setString("gender", &u.Gender, p.Gender)
	if p.Age != nil && *p.Age != u.Age {
		u.Age = *p.Age
		changed = append(changed, "age")
	}
	setString("bloodType", &u.BloodType, p.BloodType)
	setString("allergies", &u.Allergies, p.Allergies)
	setString("specialization", &u.Specialization, p.Specialization)
	setString("hospitalName", &u.HospitalName, p.HospitalName)
	return changed
}
