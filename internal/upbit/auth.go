package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// authToken builds the per-request JWT the exchange expects: HS256 signed
// with the secret key, carrying the access key, a UUID nonce and, when the
// request has parameters, a SHA-512 hash of the encoded query.
func authToken(accessKey, secretKey string, query url.Values) (string, error) {
	claims := jwt.MapClaims{
		"access_key": accessKey,
		"nonce":      uuid.NewString(),
	}

	if len(query) > 0 {
		sum := sha512.Sum512([]byte(query.Encode()))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secretKey))
}
