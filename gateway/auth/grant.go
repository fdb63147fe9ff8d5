package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// GrantIssuer is the iss claim on every grant token.
const GrantIssuer = "vouchergate"

// GrantClaims is the payload of a session grant. The audience is the router
// id and the subject is the client MAC.
type GrantClaims struct {
	Voucher string `json:"voucher"`
	Up      int64  `json:"up,omitempty"`
	Down    int64  `json:"down,omitempty"`
	jwt.RegisteredClaims
}

// IssueGrant signs an HS256 token with the router secret so the router can
// verify the admission without calling back.
func IssueGrant(secret string, g Grant, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("router secret required")
	}
	claims := GrantClaims{
		Voucher: g.Voucher,
		Up:      g.UpBytes,
		Down:    g.DownBytes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    GrantIssuer,
			Subject:   g.MAC,
			Audience:  jwt.ClaimStrings{g.RouterID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(g.SessionEnd),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseGrant verifies a grant token for routerID.
func ParseGrant(secret, routerID, token string, leeway time.Duration) (*GrantClaims, error) {
	claims := &GrantClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(GrantIssuer),
		jwt.WithAudience(routerID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("parse grant: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("grant invalid")
	}
	return claims, nil
}
