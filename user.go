package session

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/nyaruka/phonenumbers"
)

// User is the backend-confirmed application user record. It is created only
// by a successful sync or signup-sync call, cleared on sign-out or sync
// failure, and owned by the Controller for the duration of the session.
type User struct {
	ID             string         `json:"id"`
	Email          string         `json:"email,omitempty"`
	FirstName      string         `json:"first_name,omitempty"`
	LastName       string         `json:"last_name,omitempty"`
	Username       string         `json:"username,omitempty"`
	BusinessName   string         `json:"business_name,omitempty"`
	WhatsAppNumber string         `json:"whatsapp_number,omitempty"`
	ProfilePicture string         `json:"profile_picture,omitempty"`
	EmailValidated bool           `json:"is_email_verified,omitempty"`
	Memberships    []Membership   `json:"memberships,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      *time.Time     `json:"created_at,omitempty"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
}

// Validate checks that a sync payload is well formed before the controller
// accepts it as the session user.
func (u *User) Validate() error {
	if u == nil {
		return goerrors.New("sync returned no user payload", goerrors.CategoryBadInput)
	}

	err := validation.ValidateStruct(u,
		validation.Field(&u.ID, validation.Required),
		validation.Field(&u.Email, is.Email),
	)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "malformed user payload")
	}

	if u.WhatsAppNumber != "" {
		if _, perr := NormalizePhone(u.WhatsAppNumber); perr != nil {
			return perr
		}
	}

	return nil
}

// DisplayName returns the best human-readable identifier for the user.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}

	switch {
	case u.BusinessName != "":
		return u.BusinessName
	case u.FirstName != "":
		if u.LastName != "" {
			return u.FirstName + " " + u.LastName
		}
		return u.FirstName
	case u.Username != "":
		return u.Username
	default:
		return u.Email
	}
}

// AddMetadata will append information to a metadata attribute
func (u *User) AddMetadata(key string, val any) *User {
	if u.Metadata == nil {
		u.Metadata = make(map[string]any)
	}
	u.Metadata[key] = val
	return u
}

// NormalizePhone parses a WhatsApp number in international format and returns
// its E.164 representation.
func NormalizePhone(raw string) (string, error) {
	parsed, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryValidation, "unable to parse phone number").
			WithMetadata(map[string]any{"phone": raw})
	}

	if !phonenumbers.IsValidNumber(parsed) {
		return "", goerrors.New("invalid phone number", goerrors.CategoryValidation).
			WithMetadata(map[string]any{"phone": raw})
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
