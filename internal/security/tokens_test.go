package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func newTestProvider(t *testing.T, ttl time.Duration) *TokenProvider {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewTokenProvider(key, &key.PublicKey, "classwatch-auth", "classwatch-api", ttl)
}

func TestIssueAndValidate_RoundTrip(t *testing.T) {
	p := newTestProvider(t, 15*time.Minute)
	in := Claims{
		SessionID:    "sess-1",
		TenantID:     "tenant-1",
		DeviceID:     "dev-1",
		PersonID:     "person-1",
		SessionEpoch: 7,
	}
	token, jti, expiresAt, err := p.Issue(in)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if jti == "" {
		t.Error("jti should not be empty")
	}
	if !expiresAt.After(time.Now()) {
		t.Error("expiresAt should be in the future")
	}

	out, err := p.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out != in {
		t.Errorf("claims = %+v, want %+v", out, in)
	}
}

func TestValidate_Expired(t *testing.T) {
	p := newTestProvider(t, -time.Minute)
	token, _, _, err := p.Issue(Claims{SessionID: "s", TenantID: "t", SessionEpoch: 1})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := p.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate expired token: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_WrongIssuer(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuerA := NewTokenProvider(key, &key.PublicKey, "issuer-a", "classwatch-api", time.Minute)
	issuerB := NewTokenProvider(key, &key.PublicKey, "issuer-b", "classwatch-api", time.Minute)

	token, _, _, err := issuerA.Issue(Claims{SessionID: "s", TenantID: "t"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := issuerB.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("cross-issuer Validate: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_WrongKey(t *testing.T) {
	a := newTestProvider(t, time.Minute)
	b := newTestProvider(t, time.Minute)

	token, _, _, err := a.Issue(Claims{SessionID: "s", TenantID: "t"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong-key Validate: err = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_Garbage(t *testing.T) {
	p := newTestProvider(t, time.Minute)
	if _, err := p.Validate("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage Validate: err = %v, want ErrInvalidToken", err)
	}
}

func TestHasher_RoundTrip(t *testing.T) {
	h := NewHasher(4) // min cost keeps the test fast
	hash, err := h.Hash([]byte("enroll-secret"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := h.Compare(hash, []byte("enroll-secret")); err != nil {
		t.Errorf("Compare matching: %v", err)
	}
	if err := h.Compare(hash, []byte("wrong")); err == nil {
		t.Error("Compare mismatched should fail")
	}
}
