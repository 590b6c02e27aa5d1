package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gridex-energy/gridex/libs/auth"
)

var (
	ProducerAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	ConsumerAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func GenerateJWT(accountID uuid.UUID, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles:  []string{"prosumer"},
		Scopes: []string{"trade"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "gridex-auth",
			Subject:   accountID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
