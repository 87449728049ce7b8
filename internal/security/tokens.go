package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identifies the caller of a request after token validation.
type Claims struct {
	SessionID string
	TenantID  string
	// DeviceID is set for agent tokens; empty for viewer tokens.
	DeviceID string
	// PersonID is the supervisor for viewer tokens, the bound person for
	// agent tokens (may be empty before a person signs in on the device).
	PersonID string
	// SessionEpoch is the tenant session epoch at issue time. The tenant
	// guard compares it against the tenant's current epoch.
	SessionEpoch int64
}

type tokenClaims struct {
	jwt.RegisteredClaims
	TenantID     string `json:"tenant_id"`
	SessionID    string `json:"session_id"`
	DeviceID     string `json:"device_id,omitempty"`
	PersonID     string `json:"person_id,omitempty"`
	SessionEpoch int64  `json:"session_epoch"`
}

// TokenProvider issues and validates JWT access tokens using RS256 or ES256
// (private/public key).
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
}

// NewTokenProvider returns a TokenProvider that signs with the given private
// key (RS256 or ES256). issuer and audience are set on claims and validated
// on parse.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
	}
}

// Issue issues an access JWT for the given claims. Returns the token string,
// its jti, and expiration time.
func (p *TokenProvider) Issue(c Claims) (token string, jti string, expiresAt time.Time, err error) {
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(p.accessTTL)
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   c.PersonID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID:     c.TenantID,
		SessionID:    c.SessionID,
		DeviceID:     c.DeviceID,
		PersonID:     c.PersonID,
		SessionEpoch: c.SessionEpoch,
	}
	token, err = p.sign(tc)
	return token, jti, expiresAt, err
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

// Validate parses and validates the token (signature, exp, iss, aud) and
// returns the caller claims.
func (p *TokenProvider) Validate(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return p.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return p.publicKey, nil
		}
		return nil, ErrInvalidToken
	})
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	tc, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if tc.Issuer != p.issuer {
		return Claims{}, ErrInvalidToken
	}
	audOk := false
	for _, a := range tc.Audience {
		if a == p.audience {
			audOk = true
			break
		}
	}
	if !audOk {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		SessionID:    tc.SessionID,
		TenantID:     tc.TenantID,
		DeviceID:     tc.DeviceID,
		PersonID:     tc.PersonID,
		SessionEpoch: tc.SessionEpoch,
	}, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
