// Package auth provides the authenticated identity type, the request-context
// bridge used by downstream MCP tools, and the bearer-token middleware.
package auth

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Identity is the canonical user identity derived from a validated upstream
// id_token. It is embedded into every authorization code and token issued
// from a login, so later lookups never re-contact the identity provider.
// The identity is immutable for the lifetime of the token that carries it.
type Identity struct {
	// Email is the user's primary email address, lowercased.
	Email string `json:"email"`

	// Name is the user's display name.
	Name string `json:"name"`

	// UserID is the identity provider's object ID for the user (oid claim).
	UserID string `json:"user_id"`

	// Groups holds the object IDs of the user's directory groups.
	// Sorted on marshal so stored records round-trip byte-for-byte.
	Groups []string `json:"groups"`
}

// MarshalJSON sorts groups so that serialized identities are byte-stable.
func (i *Identity) MarshalJSON() ([]byte, error) {
	type alias Identity
	out := alias(*i)
	out.Groups = slices.Clone(i.Groups)
	slices.Sort(out.Groups)
	return json.Marshal(&out)
}

// String redacts nothing but keeps log lines short.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Email:%q UserID:%q}", i.Email, i.UserID)
}

// InGroup reports whether the identity is a member of the given group ID.
func (i *Identity) InGroup(groupID string) bool {
	if i == nil || groupID == "" {
		return false
	}
	return slices.Contains(i.Groups, groupID)
}
