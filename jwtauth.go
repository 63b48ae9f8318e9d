package p2p

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier checks a bearer JWT presented during handshake against a
// symmetric secret, an expected issuer, and (optionally) an expected
// audience. It exists so an operator can admit a set of peers by handing out
// signed tokens instead of hand-maintaining Config.PeerLists.WhitelistedIPs.
type TokenVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewTokenVerifier builds a verifier for HS256 tokens signed with secret.
// issuer must match the token's "iss" claim; audience, if non-empty, must
// appear in the token's "aud" claim.
func NewTokenVerifier(secret []byte, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{secret: secret, issuer: issuer, audience: audience}
}

// Verify parses and validates tokenString, returning its "sub" claim (the
// peer ID the token was issued to) on success.
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	if strings.TrimSpace(tokenString) == "" {
		return "", fmt.Errorf("p2p: empty auth token")
	}
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("p2p: invalid auth token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("p2p: invalid auth token")
	}
	if v.audience != "" {
		ok, err := claims.GetAudience()
		if err != nil {
			return "", fmt.Errorf("p2p: invalid auth token audience: %w", err)
		}
		found := false
		for _, aud := range ok {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("p2p: auth token audience mismatch")
		}
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("p2p: auth token missing subject")
	}
	return claims.Subject, nil
}

// TokenIssuer mints admission tokens for a fixed issuer/audience pair. It is
// intended for operator tooling (a small side channel that hands trusted
// peers a token out of band), not for anything on the hot connection path.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

// NewTokenIssuer builds an issuer that signs HS256 tokens with secret.
func NewTokenIssuer(secret []byte, issuer, audience string) *TokenIssuer {
	return &TokenIssuer{secret: secret, issuer: issuer, audience: audience}
}

// Issue mints a token asserting peerID as subject, valid for ttl.
func (i *TokenIssuer) Issue(peerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   peerID,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}
