// Package entity defines the entity families the sync core manages and
// the typed events published for server-side mutations.
package entity

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Family identifies one of the synchronized entity collections.
type Family string

const (
	FamilyCompanies Family = "companies"
	FamilyPlayers   Family = "players"
	FamilyUsers     Family = "users"
)

// Families lists every family in a stable order.
func Families() []Family {
	return []Family{FamilyCompanies, FamilyPlayers, FamilyUsers}
}

// Valid reports whether f names a known family.
func (f Family) Valid() bool {
	switch f {
	case FamilyCompanies, FamilyPlayers, FamilyUsers:
		return true
	}
	return false
}

// Singular returns the wire name used in push message types
// (company_updated, player_created, ...).
func (f Family) Singular() string {
	switch f {
	case FamilyCompanies:
		return "company"
	case FamilyPlayers:
		return "player"
	case FamilyUsers:
		return "user"
	}
	return string(f)
}

// Path returns the HTTP collection path for the family.
func (f Family) Path() string {
	return "/" + string(f)
}

// FamilyFromSingular resolves a push-message prefix back to a family.
func FamilyFromSingular(s string) (Family, error) {
	switch s {
	case "company":
		return FamilyCompanies, nil
	case "player":
		return FamilyPlayers, nil
	case "user":
		return FamilyUsers, nil
	}
	return "", fmt.Errorf("unknown entity family %q", s)
}

// Op is the mutation kind announced by a server push.
type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// Record is an entity payload as returned by the server. Records are
// opaque beyond the envelope fields the core needs for cache upkeep and
// tenant scoping.
type Record json.RawMessage

type recordEnvelope struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Shadow    bool   `json:"_shadow"`
}

func (r Record) envelope() recordEnvelope {
	var env recordEnvelope
	_ = json.Unmarshal(r, &env)
	return env
}

// ID returns the record's id field, or "" if absent.
func (r Record) ID() string { return r.envelope().ID }

// CompanyID returns the record's company_id field, or "" if absent.
func (r Record) CompanyID() string { return r.envelope().CompanyID }

// Shadow reports whether the record is a provisional local write that
// has not been confirmed by the server.
func (r Record) Shadow() bool { return r.envelope().Shadow }

// MarshalJSON keeps Record transparent to encoders.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON keeps Record transparent to decoders.
func (r *Record) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// Event is a typed subscription event produced from a server push.
type Event struct {
	Family  Family `json:"family"`
	Op      Op     `json:"op"`
	Payload Record `json:"payload,omitempty"`
}
