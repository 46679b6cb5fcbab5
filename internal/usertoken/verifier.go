package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer             = "studio-identity"
	defaultAudience           = "studio-api"
	defaultLeeway             = 30 * time.Second
	defaultJWKSCacheTTL       = 5 * time.Minute
	defaultMinRefreshInterval = 10 * time.Second
)

var (
	// ErrMissingSubject is returned for a valid token without a "sub" claim.
	ErrMissingSubject = errors.New("token subject missing")

	errUnknownKey = errors.New("unknown token key")
)

// Config configures access-token verification against the identity provider's JWKS.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// MinRefreshInterval bounds how often an unknown kid may trigger a JWKS fetch.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
}

// Verifier validates RS256 access tokens and yields the caller's user id.
type Verifier struct {
	issuer             string
	audience           string
	leeway             time.Duration
	jwksURL            string
	minRefreshInterval time.Duration
	httpClient         *http.Client

	refreshMu   sync.Mutex
	lastRefresh time.Time

	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	keysExpire time.Time
}

// NewVerifier creates a verifier and loads the initial key set.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	v := &Verifier{
		issuer:             firstNonEmpty(cfg.Issuer, defaultIssuer),
		audience:           firstNonEmpty(cfg.Audience, defaultAudience),
		leeway:             cfg.Leeway,
		jwksURL:            jwksURL,
		minRefreshInterval: cfg.MinRefreshInterval,
		httpClient:         cfg.HTTPClient,
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if v.minRefreshInterval <= 0 {
		v.minRefreshInterval = defaultMinRefreshInterval
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if err := v.refresh(ctx, true); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifySubject validates the token and returns its subject.
func (v *Verifier) VerifySubject(ctx context.Context, token string) (string, error) {
	claims, err := v.parse(token)
	if err != nil && (errors.Is(err, errUnknownKey) || v.keysExpired()) {
		if refreshErr := v.refresh(ctx, false); refreshErr != nil {
			return "", fmt.Errorf("refresh jwks: %w", refreshErr)
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return "", err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrMissingSubject
	}
	return subject, nil
}

func (v *Verifier) parse(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	v.mu.RLock()
	keys := v.keys
	v.mu.RUnlock()
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	return claims, nil
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().After(v.keysExpire)
}

// refresh replaces the key map. Unforced refreshes are throttled by minRefreshInterval.
func (v *Verifier) refresh(ctx context.Context, force bool) error {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()
	if !force && time.Since(v.lastRefresh) < v.minRefreshInterval {
		return nil
	}
	v.lastRefresh = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := set.rsaKeys()
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}
	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}

	v.mu.Lock()
	v.keys = keys
	v.keysExpire = time.Now().Add(ttl)
	v.mu.Unlock()
	return nil
}

type jwkSet struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (s jwkSet) rsaKeys() map[string]*rsa.PublicKey {
	out := make(map[string]*rsa.PublicKey, len(s.Keys))
	for _, k := range s.Keys {
		if !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") {
			continue
		}
		if use := strings.TrimSpace(k.Use); use != "" && use != "sig" {
			continue
		}
		kid := strings.TrimSpace(k.Kid)
		if kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		out[kid] = pub
	}
	return out
}

func parseRSAPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 1 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		raw, ok := strings.CutPrefix(part, "max-age=")
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

func firstNonEmpty(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
