// Package jwt verifies bearer tokens for the admin routes.
package jwt

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoKeys       = errors.New("no verification keys configured")
)

type key struct {
	id  string
	pub crypto.PublicKey
}

// Validator checks RSA/ECDSA signed tokens against a fixed key set. A
// Validator without keys is disabled and rejects every token.
type Validator struct {
	keys     []key
	iss, aud string
}

// NewValidator reads each path as a PEM CERTIFICATE (kid = subject CN) or
// PUBLIC KEY block (kid = file name without extension).
func NewValidator(pubPemPaths []string, issuer, audience string) (*Validator, error) {
	v := &Validator{iss: issuer, aud: audience}
	for _, p := range pubPemPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		k, err := parseKey(b, strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		v.keys = append(v.keys, k)
	}
	return v, nil
}

func parseKey(b []byte, fallbackID string) (key, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return key{}, errors.New("invalid pem")
	}
	switch block.Type {
	case "CERTIFICATE":
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return key{}, err
		}
		id := c.Subject.CommonName
		if id == "" {
			id = fallbackID
		}
		return key{id: id, pub: c.PublicKey}, nil
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return key{}, err
		}
		return key{id: fallbackID, pub: pub}, nil
	default:
		return key{}, fmt.Errorf("unsupported pem block %q", block.Type)
	}
}

func (v *Validator) Enabled() bool { return v != nil && len(v.keys) > 0 }

func (v *Validator) Verify(tokenStr string) (jwt.MapClaims, error) {
	if !v.Enabled() {
		return nil, ErrNoKeys
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
	}
	if v.iss != "" {
		opts = append(opts, jwt.WithIssuer(v.iss))
	}
	if v.aud != "" {
		opts = append(opts, jwt.WithAudience(v.aud))
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		for _, k := range v.keys {
			if k.id == kid {
				return k.pub, nil
			}
		}
		return v.keys[0].pub, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
