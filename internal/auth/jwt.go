// Package auth issues and verifies the two JWT families the server uses:
// ES256 APNS provider tokens and per-client HS256 tokens keyed by the
// client's rotating shared secret.
package auth

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized means the token failed signature verification against both
// the current and the prior secret.
var ErrUnauthorized = errors.New("auth: token not verifiable")

// providerTokenLifetime is how long a minted APNS token is reused. Apple
// accepts tokens between 20 and 60 minutes old.
const providerTokenLifetime = 50 * time.Minute

// ProviderTokens mints and caches APNS provider JWTs.
type ProviderTokens struct {
	key    *ecdsa.PrivateKey
	keyID  string
	teamID string

	mu     sync.Mutex
	cached string
	minted time.Time
}

// NewProviderTokens parses the PKCS#8-encoded P-256 signing key issued by Apple.
func NewProviderTokens(pemKey, keyID, teamID string) (*ProviderTokens, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse APNS signing key: %w", err)
	}
	return &ProviderTokens{key: key, keyID: keyID, teamID: teamID}, nil
}

// Token returns a current provider JWT, reminting when the cached one ages out.
func (p *ProviderTokens) Token() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.cached != "" && now.Sub(p.minted) < providerTokenLifetime {
		return p.cached, nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.teamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = p.keyID

	signed, err := tok.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}
	p.cached = signed
	p.minted = now
	return signed, nil
}

// CreateClientToken signs a client token with the raw bytes of the
// hex-encoded secret. Claims are {iss: clientID, iat: now}.
func CreateClientToken(clientID, secretHex string) (string, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("decode client secret: %w", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": clientID,
		"iat": time.Now().Unix(),
	})
	return tok.SignedString(key)
}

// VerifyClientToken checks tokenString against the client's current secret,
// then against the prior secret as a one-time fallback (the caller is
// expected to rotate to the new secret shortly after). Signature failure on
// both returns ErrUnauthorized; any other verification error is returned
// as-is.
func VerifyClientToken(tokenString, clientID, secretHex, lastSecretHex string) error {
	err := verifyWithSecret(tokenString, clientID, secretHex)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return err
	}

	err = verifyWithSecret(tokenString, clientID, lastSecretHex)
	if err == nil {
		return nil
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return ErrUnauthorized
	}
	return err
}

func verifyWithSecret(tokenString, clientID, secretHex string) error {
	if secretHex == "" {
		return jwt.ErrTokenSignatureInvalid
	}
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return fmt.Errorf("decode client secret: %w", err)
	}
	_, err = jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(clientID),
	)
	return err
}
