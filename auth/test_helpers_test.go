package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func generateRSAKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key, &key.PublicKey
}

func serveJWKS(t *testing.T, publicKey *rsa.PublicKey) string {
	t.Helper()

	key, err := jwk.FromRaw(publicKey)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}

	keyset := jwk.NewSet()
	if err := keyset.AddKey(key); err != nil {
		t.Fatalf("add key: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keysetJSON, err := json.Marshal(keyset)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(keysetJSON)
	}))
	t.Cleanup(server.Close)
	return server.URL + "/.well-known/jwks.json"
}

func signTestToken(t *testing.T, privateKey *rsa.PrivateKey, issuer, audience, subject string, claims map[string]interface{}, expiry time.Time) string {
	t.Helper()

	token := jwt.New()
	must := func(err error) {
		if err != nil {
			t.Fatalf("set claim: %v", err)
		}
	}
	must(token.Set(jwt.IssuerKey, issuer))
	must(token.Set(jwt.AudienceKey, audience))
	must(token.Set(jwt.SubjectKey, subject))
	must(token.Set(jwt.IssuedAtKey, time.Now()))
	must(token.Set(jwt.ExpirationKey, expiry))
	for k, v := range claims {
		must(token.Set(k, v))
	}

	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "test-key-id"); err != nil {
		t.Fatalf("set kid: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

const (
	testIssuer   = "https://test-issuer.example"
	testAudience = "finagent-api"
)

func newTestValidator(t *testing.T) (*Validator, *rsa.PrivateKey) {
	t.Helper()
	priv, pub := generateRSAKeyPair(t)
	jwksURL := serveJWKS(t, pub)
	v, err := NewValidator(jwksURL, testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v, priv
}
