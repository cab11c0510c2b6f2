// Package completeness checks that every per-user row exists and recreates
// the missing ones with defaults.
package completeness

import (
	"strings"
	"time"
)

// Table names one of the four per-user records.
type Table string

const (
	TableUsers       Table = "users"
	TableProfiles    Table = "profiles"
	TableSecurity    Table = "security_settings"
	TablePreferences Table = "user_preferences"
)

// Tables lists the records in repair order: the account first, then the
// profile ahead of security settings and preferences.
var Tables = []Table{TableUsers, TableProfiles, TableSecurity, TablePreferences}

const (
	ActionComplete  = "complete"
	ActionThrottled = "throttled"
)

// TableError records a query or insert that failed with something other
// than a clean negative answer.
type TableError struct {
	Table Table  `json:"table"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// Result is produced fresh by every check and never persisted.
type Result struct {
	UserID            string       `json:"user_id"`
	UsersExists       bool         `json:"users_exists"`
	ProfilesExists    bool         `json:"profiles_exists"`
	SecurityExists    bool         `json:"security_exists"`
	PreferencesExists bool         `json:"preferences_exists"`
	ActionTaken       string       `json:"action_taken"`
	CheckedAt         time.Time    `json:"checked_at"`
	Throttled         bool         `json:"throttled"`
	Failed            []TableError `json:"failed,omitempty"`
	Steps             []Step       `json:"steps,omitempty"`
}

func (r *Result) Exists(t Table) bool {
	switch t {
	case TableUsers:
		return r.UsersExists
	case TableProfiles:
		return r.ProfilesExists
	case TableSecurity:
		return r.SecurityExists
	case TablePreferences:
		return r.PreferencesExists
	}
	return false
}

func (r *Result) set(t Table, v bool) {
	switch t {
	case TableUsers:
		r.UsersExists = v
	case TableProfiles:
		r.ProfilesExists = v
	case TableSecurity:
		r.SecurityExists = v
	case TablePreferences:
		r.PreferencesExists = v
	}
}

// CheckFailed reports whether the existence query for t errored.
func (r *Result) CheckFailed(t Table) bool {
	for _, f := range r.Failed {
		if f.Table == t {
			return true
		}
	}
	return false
}

// Missing returns the tables confirmed absent. Tables whose check failed
// are not included.
func (r *Result) Missing() []Table {
	var out []Table
	for _, t := range Tables {
		if !r.Exists(t) && !r.CheckFailed(t) {
			out = append(out, t)
		}
	}
	return out
}

// Complete reports whether all four rows were seen.
func (r *Result) Complete() bool {
	return r.UsersExists && r.ProfilesExists && r.SecurityExists && r.PreferencesExists
}

func joinTables(ts []Table) string {
	s := make([]string, len(ts))
	for i, t := range ts {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}
