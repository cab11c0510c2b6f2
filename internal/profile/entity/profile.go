package entity

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// MaxNameLen bounds first_name and last_name, in characters.
const MaxNameLen = 100

// ValidURL reports whether s passes the avatar_url rule.
func ValidURL(s string) bool {
	return validate.Var(s, "url") == nil
}

// ClampName trims s and cuts it to MaxNameLen characters.
func ClampName(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > MaxNameLen {
		s = strings.TrimSpace(string(r[:MaxNameLen]))
	}
	return s
}

// Profile is the user-facing personal data row, one per identity.
type Profile struct {
	ID         string    `db:"id" json:"id" validate:"required"`
	UserID     string    `db:"user_id" json:"user_id" validate:"required"`
	FirstName  string    `db:"first_name" json:"first_name" validate:"required,max=100"`
	LastName   string    `db:"last_name" json:"last_name" validate:"max=100"`
	StudentID  *string   `db:"student_id" json:"student_id,omitempty" validate:"omitempty,max=32"`
	Department *string   `db:"department" json:"department,omitempty" validate:"omitempty,max=100"`
	Year       *int      `db:"year" json:"year,omitempty" validate:"omitempty,min=1,max=8"`
	Bio        *string   `db:"bio" json:"bio,omitempty" validate:"omitempty,max=1000"`
	Phone      *string   `db:"phone" json:"phone,omitempty" validate:"omitempty,max=32"`
	Address    *string   `db:"address" json:"address,omitempty" validate:"omitempty,max=255"`
	AvatarURL  *string   `db:"avatar_url" json:"avatar_url,omitempty" validate:"omitempty,url"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks the row shape before it enters the domain.
func (p *Profile) Validate() error {
	return validate.Struct(p)
}

// Patch is a partial profile update; nil fields are left unchanged.
type Patch struct {
	FirstName  *string `json:"first_name" validate:"omitempty,min=1,max=100"`
	LastName   *string `json:"last_name" validate:"omitempty,max=100"`
	StudentID  *string `json:"student_id" validate:"omitempty,max=32"`
	Department *string `json:"department" validate:"omitempty,max=100"`
	Year       *int    `json:"year" validate:"omitempty,min=1,max=8"`
	Bio        *string `json:"bio" validate:"omitempty,max=1000"`
	Phone      *string `json:"phone" validate:"omitempty,max=32"`
	Address    *string `json:"address" validate:"omitempty,max=255"`
	AvatarURL  *string `json:"avatar_url" validate:"omitempty,url"`
}

func (p *Patch) Validate() error {
	return validate.Struct(p)
}

// Apply copies the set fields of the patch onto p.
func (p *Profile) Apply(in Patch) {
	if in.FirstName != nil {
		p.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		p.LastName = *in.LastName
	}
	if in.StudentID != nil {
		p.StudentID = in.StudentID
	}
	if in.Department != nil {
		p.Department = in.Department
	}
	if in.Year != nil {
		p.Year = in.Year
	}
	if in.Bio != nil {
		p.Bio = in.Bio
	}
	if in.Phone != nil {
		p.Phone = in.Phone
	}
	if in.Address != nil {
		p.Address = in.Address
	}
	if in.AvatarURL != nil {
		p.AvatarURL = in.AvatarURL
	}
}
