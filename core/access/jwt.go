package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/relabs-tech/blogger/core/logger"
)

// ErrInvalidToken is returned for tokens that cannot be verified
var ErrInvalidToken = errors.New("invalid token")

// Claims are the claims of a blogger token. The subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier verifies and issues HS256 signed tokens
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns a verifier. If issuer is not empty, only tokens of that issuer
// are accepted.
func NewVerifier(secret string, issuer string) *Verifier {
	if secret == "" {
		panic("jwt secret is missing")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify checks signature, issuer and expiry of the token and returns the identity it
// carries
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		logger.Default().WithError(err).Debugln("token verification failed")
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: wrong issuer '%s'", ErrInvalidToken, claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a token for the identity which expires after ttl
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
