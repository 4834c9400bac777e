package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyIssued(t *testing.T) {
	v := NewVerifier("secret", "blogger")
	token, err := v.Issue(Identity{UserID: "u1", Email: "u1@example.com"}, time.Minute)
	require.NoError(t, err)

	identity, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, &Identity{UserID: "u1", Email: "u1@example.com"}, identity)
}

func TestVerifyFailures(t *testing.T) {
	v := NewVerifier("secret", "blogger")

	expired, err := v.Issue(Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Issue(Identity{}, time.Minute)
	require.NoError(t, err)
	otherSecret, err := NewVerifier("other", "blogger").Issue(Identity{UserID: "u1"}, time.Minute)
	require.NoError(t, err)
	otherIssuer, err := NewVerifier("secret", "someone").Issue(Identity{UserID: "u1"}, time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1", Issuer: "blogger"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":      expired,
		"no subject":   noSubject,
		"other secret": otherSecret,
		"other issuer": otherIssuer,
		"alg none":     none,
		"garbage":      "not.a.token",
	} {
		_, err := v.Verify(token)
		assert.True(t, errors.Is(err, ErrInvalidToken), name)
	}
}

func TestVerifierWithoutIssuer(t *testing.T) {
	token, err := NewVerifier("secret", "anyone").Issue(Identity{UserID: "u1"}, time.Minute)
	require.NoError(t, err)
	identity, err := NewVerifier("secret", "").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserID)
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, IdentityFromContext(ctx))
	ctx = ContextWithIdentity(ctx, &Identity{UserID: "u1"})
	assert.Equal(t, "u1", IdentityFromContext(ctx).UserID)
}
