package auth

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityMarshalIsByteStable(t *testing.T) {
	t.Parallel()

	a := &Identity{
		Email:  "alice@example.org",
		Name:   "Alice Smith",
		UserID: "oid-123",
		Groups: []string{"g-b", "g-a", "g-c"},
	}
	b := &Identity{
		Email:  "alice@example.org",
		Name:   "Alice Smith",
		UserID: "oid-123",
		Groups: []string{"g-c", "g-a", "g-b"},
	}

	aJSON, err := json.Marshal(a)
	require.NoError(t, err)
	bJSON, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, aJSON, bJSON)

	// Marshaling does not reorder the receiver's slice.
	assert.Equal(t, []string{"g-b", "g-a", "g-c"}, a.Groups)

	var decoded Identity
	require.NoError(t, json.Unmarshal(aJSON, &decoded))
	assert.Equal(t, "alice@example.org", decoded.Email)
	assert.Equal(t, []string{"g-a", "g-b", "g-c"}, decoded.Groups)
}

func TestIdentityInGroup(t *testing.T) {
	t.Parallel()

	identity := &Identity{Groups: []string{"g-officers", "g-members"}}
	assert.True(t, identity.InGroup("g-officers"))
	assert.False(t, identity.InGroup("g-chiefs"))
	assert.False(t, identity.InGroup(""))

	var none *Identity
	assert.False(t, none.InGroup("g-officers"))
}

func TestIdentityString(t *testing.T) {
	t.Parallel()

	identity := &Identity{Email: "alice@example.org", UserID: "oid-123"}
	assert.Contains(t, identity.String(), "alice@example.org")

	var none *Identity
	assert.Equal(t, "<nil>", none.String())
}

func TestIdentityContextRoundTrip(t *testing.T) {
	t.Parallel()

	identity := &Identity{Email: "alice@example.org"}
	ctx := WithIdentity(context.Background(), identity)

	got, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, identity, got)

	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)

	// Nil identities are not stored.
	ctx = WithIdentity(context.Background(), nil)
	_, ok = IdentityFromContext(ctx)
	assert.False(t, ok)
}
