// Package auth issues and checks session tokens.
//
// A token is a compact JWE (A256GCMKW key wrap, A256GCM content) whose
// protected header names the session and the user and whose encrypted
// payload is an HS256 JWT carrying the user key. Both the wrap key and the
// signing key are derived from a versioned master key; the header kid picks
// the version.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"securenotes-backend/internal/crypto"
	"securenotes-backend/internal/metrics"
	"securenotes-backend/internal/models"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	headerSessionID = jose.HeaderKey("session_id")
	headerUserID    = jose.HeaderKey("user_id")

	wrapKeyLabel = "securenotes token wrap v1"
	signKeyLabel = "securenotes token sign v1"
)

// TokenErrorKind classifies token failures.
type TokenErrorKind int

const (
	// InvalidKey means the token was not produced by any key in the keyring,
	// was tampered with, or has expired.
	InvalidKey TokenErrorKind = iota + 1
	// InvalidClaim means the token is authentic but its claims are malformed.
	InvalidClaim
	// Internal means the codec itself failed.
	Internal
)

func (k TokenErrorKind) String() string {
	switch k {
	case InvalidKey:
		return "invalid_key"
	case InvalidClaim:
		return "invalid_claim"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// TokenError is returned by TokenCodec.Open and TokenCodec.Seal.
type TokenError struct {
	Kind   TokenErrorKind
	Reason string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("auth: %s token: %s", e.Kind, e.Reason)
}

func tokenError(kind TokenErrorKind, format string, args ...any) *TokenError {
	return &TokenError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsTokenError reports whether err is a TokenError of kind.
func IsTokenError(err error, kind TokenErrorKind) bool {
	var te *TokenError
	return errors.As(err, &te) && te.Kind == kind
}

// Claims is what a token carries. It is never persisted.
type Claims struct {
	SessionID  uuid.UUID
	UserID     uuid.UUID
	UserKey    crypto.Key
	Expiration models.Expiration
}

type innerClaims struct {
	SessionID string `json:"sid"`
	UserKey   string `json:"user_key"`
	jwt.RegisteredClaims
}

type tokenKeys struct {
	wrap crypto.Key
	sign crypto.Key
}

func deriveTokenKeys(master crypto.Key) (tokenKeys, error) {
	wrap, err := crypto.DeriveSubkey(master, wrapKeyLabel)
	if err != nil {
		return tokenKeys{}, err
	}
	sign, err := crypto.DeriveSubkey(master, signKeyLabel)
	if err != nil {
		return tokenKeys{}, err
	}
	return tokenKeys{wrap: wrap, sign: sign}, nil
}

// TokenCodec seals Claims into bearer tokens and opens them again.
type TokenCodec struct {
	keyring *Keyring
	derived map[string]tokenKeys
	now     func() time.Time
}

// NewTokenCodec derives the token keys of every keyring version.
func NewTokenCodec(keyring *Keyring) (*TokenCodec, error) {
	derived := make(map[string]tokenKeys, len(keyring.keys))
	for version, master := range keyring.keys {
		keys, err := deriveTokenKeys(master)
		if err != nil {
			return nil, fmt.Errorf("auth: derive token keys for %q: %w", version, err)
		}
		derived[version] = keys
	}
	return &TokenCodec{keyring: keyring, derived: derived, now: time.Now}, nil
}

// Seal encodes claims as a token under the current master key.
func (c *TokenCodec) Seal(claims Claims) (string, error) {
	inner := innerClaims{
		SessionID: claims.SessionID.String(),
		UserKey:   base64.StdEncoding.EncodeToString(claims.UserKey[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  claims.UserID.String(),
			IssuedAt: jwt.NewNumericDate(c.now()),
		},
	}
	if at, ok := claims.Expiration.Time(); ok {
		inner.ExpiresAt = jwt.NewNumericDate(at)
	}

	version, _ := c.keyring.Current()
	return c.seal(version, map[jose.HeaderKey]string{
		headerSessionID: claims.SessionID.String(),
		headerUserID:    claims.UserID.String(),
	}, inner)
}

func (c *TokenCodec) seal(version string, headers map[jose.HeaderKey]string, inner jwt.Claims) (string, error) {
	keys, ok := c.derived[version]
	if !ok {
		return "", tokenError(Internal, "no key version %q", version)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, inner).SignedString(keys.sign[:])
	if err != nil {
		return "", tokenError(Internal, "sign inner token: %v", err)
	}

	opts := (&jose.EncrypterOptions{}).WithType("JWT").WithContentType("JWT")
	for k, v := range headers {
		opts = opts.WithHeader(k, v)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.A256GCMKW, Key: keys.wrap[:], KeyID: version},
		opts,
	)
	if err != nil {
		return "", tokenError(Internal, "create encrypter: %v", err)
	}

	obj, err := encrypter.Encrypt([]byte(signed))
	if err != nil {
		return "", tokenError(Internal, "encrypt: %v", err)
	}

	token, err := obj.CompactSerialize()
	if err != nil {
		return "", tokenError(Internal, "serialize: %v", err)
	}
	return token, nil
}

// Open decodes and authenticates token. Every error is a *TokenError.
func (c *TokenCodec) Open(token string) (*Claims, error) {
	claims, err := c.open(token)
	outcome := "ok"
	if err != nil {
		outcome = err.Kind.String()
	}
	metrics.TokenOpens.WithLabelValues(outcome).Inc()

	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *TokenCodec) open(token string) (*Claims, *TokenError) {
	obj, err := jose.ParseEncryptedCompact(
		token,
		[]jose.KeyAlgorithm{jose.A256GCMKW},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return nil, tokenError(InvalidKey, "parse: %v", err)
	}

	keys, ok := c.derived[obj.Header.KeyID]
	if !ok {
		return nil, tokenError(InvalidKey, "unknown key version %q", obj.Header.KeyID)
	}

	payload, err := obj.Decrypt(keys.wrap[:])
	if err != nil {
		return nil, tokenError(InvalidKey, "decrypt: %v", err)
	}

	var inner innerClaims
	_, err = jwt.ParseWithClaims(string(payload), &inner, func(*jwt.Token) (any, error) {
		return keys.sign[:], nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, tokenError(InvalidClaim, "inner token: %v", err)
	case err != nil:
		return nil, tokenError(InvalidKey, "inner token: %v", err)
	}

	headerSession, err := headerUUID(obj.Header.ExtraHeaders, headerSessionID)
	if err != nil {
		return nil, tokenError(InvalidClaim, "%v", err)
	}
	headerUser, err := headerUUID(obj.Header.ExtraHeaders, headerUserID)
	if err != nil {
		return nil, tokenError(InvalidClaim, "%v", err)
	}

	sessionID, err := uuid.Parse(inner.SessionID)
	if err != nil {
		return nil, tokenError(InvalidClaim, "sid is not a UUID")
	}
	userID, err := uuid.Parse(inner.Subject)
	if err != nil {
		return nil, tokenError(InvalidClaim, "sub is not a UUID")
	}
	if sessionID != headerSession || userID != headerUser {
		return nil, tokenError(InvalidClaim, "header and payload disagree")
	}

	raw, err := base64.StdEncoding.DecodeString(inner.UserKey)
	if err != nil {
		return nil, tokenError(InvalidClaim, "user_key is not base64")
	}
	userKey, err := crypto.KeyFromBytes(raw)
	crypto.Zero(raw)
	if err != nil {
		return nil, tokenError(InvalidClaim, "user_key has %d bytes", len(raw))
	}

	claims := &Claims{
		SessionID:  sessionID,
		UserID:     userID,
		UserKey:    userKey,
		Expiration: models.Never(),
	}
	if inner.ExpiresAt != nil {
		claims.Expiration = models.At(inner.ExpiresAt.Time)
	}
	return claims, nil
}

func headerUUID(headers map[jose.HeaderKey]any, key jose.HeaderKey) (uuid.UUID, error) {
	v, ok := headers[key]
	if !ok {
		return uuid.Nil, fmt.Errorf("missing %s header", key)
	}
	s, ok := v.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("%s header is not a string", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s header is not a UUID", key)
	}
	return id, nil
}
