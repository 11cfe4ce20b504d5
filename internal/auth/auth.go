package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// ErrUnauthenticated covers missing, malformed, expired and badly signed
// credentials alike.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is what the identity provider asserts about a caller. The core
// never stores credentials; it only trusts these claims.
type Identity struct {
	UserID         string
	Name           string
	Email          string
	DriverVerified bool
}

// Verifier validates bearer tokens minted by the identity provider. Tokens
// are HS256 JWTs carrying user_id, name, email and driver_verified claims.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthenticated
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Identity{}, ErrUnauthenticated
	}
	ident := Identity{UserID: userID}
	if name, ok := claims["name"].(string); ok {
		ident.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		ident.Email = email
	}
	if verified, ok := claims["driver_verified"].(bool); ok {
		ident.DriverVerified = verified
	}
	return ident, nil
}

// Sign mints a token for the identity. The real issuer lives outside this
// service; this is for local runs and tests.
func (v *Verifier) Sign(ident Identity, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id":         ident.UserID,
		"name":            ident.Name,
		"email":           ident.Email,
		"driver_verified": ident.DriverVerified,
		"exp":             time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
