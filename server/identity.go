package server

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"mace/protocol"
)

// Identity is computed once per connection and never changes for it.
type Identity struct {
	Key    string
	Origin string
	Client string
	Email  string
}

// Verifier turns an identity token into a verified email address.
type Verifier interface {
	Verify(ctx context.Context, token string) (email string, err error)
}

// Resolver derives the identity key a connection's updates are shared under.
type Resolver struct {
	Verifier Verifier
	Log      *logrus.Logger
}

// Resolve never fails because of a bad token: the connection falls back to
// its anonymous client id. It fails only when neither yields an identity.
func (r *Resolver) Resolve(ctx context.Context, origin string, q protocol.ConnectionQuery) (Identity, error) {
	id := Identity{Origin: origin, Client: q.Client}
	if q.GoogleToken != "" && r.Verifier != nil {
		email, err := r.Verifier.Verify(ctx, q.GoogleToken)
		if err != nil {
			r.logger().WithError(err).WithField("client", q.Client).Warn("token verification failed, using client id")
		} else {
			id.Email = email
		}
	}
	who := id.Email
	if who == "" {
		who = id.Client
	}
	if who == "" {
		return id, errors.New("connection has no verified email and no client id")
	}
	id.Key = origin + "/" + who
	return id, nil
}

func (r *Resolver) logger() *logrus.Logger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

type idClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks identity tokens locally against a fixed key set. A token
// is accepted when its signature verifies, it has not expired, its audience
// names one of the accepted audiences and it carries an email.
type JWTVerifier struct {
	audiences []string
	secret    []byte
	keys      map[string]*rsa.PublicKey
	parser    *jwt.Parser
}

func NewJWTVerifier(audiences []string, secret []byte, keys map[string]*rsa.PublicKey) *JWTVerifier {
	return &JWTVerifier{
		audiences: audiences,
		secret:    secret,
		keys:      keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512"}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *JWTVerifier) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, errors.New("no hmac secret configured")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		kid, _ := t.Header["kid"].(string)
		if key, ok := v.keys[kid]; ok {
			return key, nil
		}
		if len(v.keys) == 1 && kid == "" {
			for _, key := range v.keys {
				return key, nil
			}
		}
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	if len(v.audiences) == 0 {
		return "", errors.New("no accepted audiences configured")
	}
	var claims idClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyFunc); err != nil {
		return "", err
	}
	if !slices.ContainsFunc(claims.Audience, func(aud string) bool { return slices.Contains(v.audiences, aud) }) {
		return "", fmt.Errorf("token audience %v not accepted", claims.Audience)
	}
	if claims.Email == "" {
		return "", errors.New("token has no email")
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return "", errors.New("token email is not verified")
	}
	return claims.Email, nil
}

// LoadRSAPublicKeys reads PEM encoded public keys. Each key is registered
// under its file name without extension, which tokens name in their kid.
func LoadRSAPublicKeys(paths []string) (map[string]*rsa.PublicKey, error) {
	keys := make(map[string]*rsa.PublicKey, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", p, err)
		}
		kid := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		keys[kid] = key
	}
	return keys, nil
}
