package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vidgallery/api/internal/model"
)

const legacyIssuer = "vidgallery-api"

// LegacyClaims represents legacy JWT claims (HMAC-signed tokens)
type LegacyClaims struct {
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal returns the caller identity. Unknown roles are treated as user.
func (c *LegacyClaims) Principal() model.Principal {
	role := model.RoleUser
	if c.Role == model.RoleAdmin {
		role = model.RoleAdmin
	}
	return model.Principal{ID: c.UserID, Role: role}
}

// HMACVerifier accepts tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(tokenString string) (model.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LegacyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return model.Principal{}, err
	}

	claims, ok := token.Claims.(*LegacyClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return model.Principal{}, jwt.ErrTokenInvalidClaims
	}
	return claims.Principal(), nil
}

func (v *HMACVerifier) Close() error { return nil }

// SignLegacyToken issues an HMAC token for the principal. ttl <= 0 means no
// expiry.
func SignLegacyToken(p model.Principal, secret string, ttl time.Duration) (string, error) {
	claims := LegacyClaims{
		UserID: p.ID,
		Role:   p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   legacyIssuer,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
