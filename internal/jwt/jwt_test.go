package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePEM(t *testing.T, dir, name, typ string, der []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
	return p
}

func certFor(t *testing.T, k *rsa.PrivateKey, cn string) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &k.PublicKey, k)
	require.NoError(t, err)
	return der
}

func sign(t *testing.T, k *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(k)
	require.NoError(t, err)
	return s
}

func TestVerifyWithCertificateAndPublicKey(t *testing.T) {
	dir := t.TempDir()
	k1, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	k2, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	certPath := writePEM(t, dir, "ops.crt", "CERTIFICATE", certFor(t, k1, "ops"))
	pkix2, err := x509.MarshalPKIXPublicKey(&k2.PublicKey)
	require.NoError(t, err)
	keyPath := writePEM(t, dir, "ci.pem", "PUBLIC KEY", pkix2)

	v, err := NewValidator([]string{certPath, keyPath}, "echopbx", "kernel")
	require.NoError(t, err)
	require.True(t, v.Enabled())

	good := jwt.MapClaims{"iss": "echopbx", "aud": "kernel", "exp": time.Now().Add(time.Minute).Unix()}
	claims, err := v.Verify(sign(t, k1, "ops", good))
	require.NoError(t, err)
	assert.Equal(t, "echopbx", claims["iss"])

	_, err = v.Verify(sign(t, k2, "ci", good))
	require.NoError(t, err)

	// k2 token presented under k1's kid
	_, err = v.Verify(sign(t, k2, "ops", good))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsBadClaims(t *testing.T) {
	dir := t.TempDir()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v, err := NewValidator([]string{writePEM(t, dir, "k.crt", "CERTIFICATE", certFor(t, k, "k"))}, "echopbx", "kernel")
	require.NoError(t, err)

	exp := time.Now().Add(time.Minute).Unix()
	for name, claims := range map[string]jwt.MapClaims{
		"issuer":   {"iss": "other", "aud": "kernel", "exp": exp},
		"audience": {"iss": "echopbx", "aud": "other", "exp": exp},
		"expired":  {"iss": "echopbx", "aud": "kernel", "exp": time.Now().Add(-time.Minute).Unix()},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(sign(t, k, "k", claims))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "echopbx", "aud": "kernel"})
	s, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Verify(s)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledValidator(t *testing.T) {
	v, err := NewValidator(nil, "", "")
	require.NoError(t, err)
	assert.False(t, v.Enabled())
	_, err = v.Verify("x")
	assert.ErrorIs(t, err, ErrNoKeys)

	var nilV *Validator
	assert.False(t, nilV.Enabled())
}

func TestNewValidatorErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewValidator([]string{filepath.Join(dir, "missing.pem")}, "", "")
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o600))
	_, err = NewValidator([]string{bad}, "", "")
	assert.Error(t, err)

	_, err = NewValidator([]string{writePEM(t, dir, "x.pem", "RSA PRIVATE KEY", []byte{1})}, "", "")
	assert.Error(t, err)
}
