// Package owner identifies the tenant a credit belongs to: an individual
// user or an organization, never both.
package owner

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type Type string

const (
	TypeUser         Type = "user"
	TypeOrganization Type = "organization"
)

var ErrInvalidOwner = errors.New("invalid_owner")

// Ref points at the user or organization that owns credits.
type Ref struct {
	Type Type
	ID   snowflake.ID
}

func User(id snowflake.ID) Ref         { return Ref{Type: TypeUser, ID: id} }
func Organization(id snowflake.ID) Ref { return Ref{Type: TypeOrganization, ID: id} }

func (r Ref) Validate() error {
	switch r.Type {
	case TypeUser, TypeOrganization:
	default:
		return ErrInvalidOwner
	}
	if r.ID == 0 {
		return ErrInvalidOwner
	}
	return nil
}

// Key is a stable string form used for lock keys and hash inputs.
func (r Ref) Key() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

func (r Ref) String() string { return r.Key() }
