package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"characterstudio/internal/ratelimit"
	"characterstudio/internal/usertoken"
	"characterstudio/pkg/ai"
	"characterstudio/pkg/domain"
	"characterstudio/pkg/storage"
	"characterstudio/pkg/store"
	"characterstudio/services/studio/internal/app"
)

const testIssuer, testAudience = "studio-identity", "studio-api"

type stubAnalyzer struct {
	calls int32
}

func (s *stubAnalyzer) AnalyzeImage(context.Context, string, ai.Image) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	return `{"characterName":"Nyx","description":"A quiet night courier.","keywords":["night","courier","cloak","moth","lantern"]}`, nil
}

type stubPainter struct {
	err error
}

func (s *stubPainter) GenerateImage(_ context.Context, prompt string, _ []ai.Image) (ai.Image, error) {
	if s.err != nil {
		return ai.Image{}, s.err
	}
	return ai.Image{Data: []byte("img:" + prompt), MIMEType: "image/png"}, nil
}

type harness struct {
	srv      *httptest.Server
	signer   *rsa.PrivateKey
	analyzer *stubAnalyzer
	painter  *stubPainter
}

func newHarness(t *testing.T, limiter *ratelimit.FixedWindowLimiter) *harness {
	t.Helper()
	verifier, signer := newJWKSVerifier(t)
	h := &harness{signer: signer, analyzer: &stubAnalyzer{}, painter: &stubPainter{}}
	core, err := app.New(app.Config{
		Store:               store.NewMemoryStore(),
		Objects:             storage.NewMemoryStore(),
		Analyzer:            h.analyzer,
		Painter:             h.painter,
		MaxImageBytes:       1 << 10,
		GroundWithReference: true,
		EnforceOwnership:    true,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{App: core, TokenVerifier: verifier, GenerationLimiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	h.srv = httptest.NewServer(s.Router())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, subject string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+mustSignUserToken(t, h.signer, subject))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func (h *harness) createCharacter(t *testing.T, subject string) domain.Character {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/api/create-profile", subject, map[string]string{
		"imageBase64": base64.StdEncoding.EncodeToString([]byte("fake-png-bytes")),
		"fileName":    "nyx.png",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create profile expected 201, got %d: %s", resp.StatusCode, body)
	}
	var c domain.Character
	if err := json.Unmarshal(body, &c); err != nil {
		t.Fatalf("decode character: %v", err)
	}
	return c
}

func decodeError(t *testing.T, body []byte) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error payload %q: %v", body, err)
	}
	return e
}

func TestAPIRequiresValidToken(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/api/list-library", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}
	e := decodeError(t, body)
	if e.Code != "unauthenticated" || e.RequestID == "" {
		t.Fatalf("unexpected error payload %+v", e)
	}
	if resp.Header.Get("X-Request-Id") != e.RequestID {
		t.Fatalf("request id mismatch: header %q body %q", resp.Header.Get("X-Request-Id"), e.RequestID)
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/create-profile", strings.NewReader(`{"imageBase64":"AAAA","fileName":"a.png"}`))
	req.Header.Set("Authorization", "Bearer "+mustSignUserToken(t, otherKey, "user-1"))
	forged, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("forged request: %v", err)
	}
	forged.Body.Close()
	if forged.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token expected 401, got %d", forged.StatusCode)
	}
	if got := atomic.LoadInt32(&h.analyzer.calls); got != 0 {
		t.Fatalf("no work may happen before authentication, analyzer called %d times", got)
	}
}

func TestCharacterLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	c := h.createCharacter(t, "user-1")
	if c.Status != domain.StatusReady || len(c.Keywords) != 5 || c.OwnerID != "user-1" {
		t.Fatalf("unexpected record %+v", c)
	}
	h.createCharacter(t, "user-2")

	resp, body := h.do(t, http.MethodPost, "/api/list-library", "user-3", nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("empty library expected 200 [], got %d: %s", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodPost, "/api/list-library", "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list expected 200, got %d: %s", resp.StatusCode, body)
	}
	var list []domain.Character
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("expected only the caller's record, got %+v", list)
	}

	resp, body = h.do(t, http.MethodGet, "/api/characters/"+c.ID, "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get expected 200, got %d: %s", resp.StatusCode, body)
	}
	resp, _ = h.do(t, http.MethodGet, "/api/characters/"+c.ID, "user-2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get expected 404, got %d", resp.StatusCode)
	}

	resp, body = h.do(t, http.MethodPost, "/api/generate-visualization", "user-1", map[string]string{
		"characterId": c.ID,
		"prompt":      "delivering a letter in the rain",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate expected 200, got %d: %s", resp.StatusCode, body)
	}
	var v domain.Visualization
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode visualization: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(v.Image)
	if err != nil || !strings.Contains(string(decoded), "delivering a letter in the rain") || v.MimeType != "image/png" {
		t.Fatalf("unexpected visualization %+v (%v)", v, err)
	}
}

func TestGenerateVisualizationErrors(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/api/generate-visualization", "user-1", map[string]string{
		"characterId": "missing",
		"prompt":      "anything",
	})
	if resp.StatusCode != http.StatusNotFound || decodeError(t, body).Code != "not-found" {
		t.Fatalf("unknown character expected 404 not-found, got %d: %s", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodPost, "/api/generate-visualization", "user-1", map[string]string{"prompt": "x"})
	if resp.StatusCode != http.StatusBadRequest || decodeError(t, body).Code != "invalid-argument" {
		t.Fatalf("missing characterId expected 400, got %d: %s", resp.StatusCode, body)
	}

	c := h.createCharacter(t, "user-1")
	h.painter.err = &ai.BlockedError{Reason: "IMAGE_SAFETY"}
	resp, body = h.do(t, http.MethodPost, "/api/generate-visualization", "user-1", map[string]string{
		"characterId": c.ID,
		"prompt":      "unsafe",
	})
	e := decodeError(t, body)
	if resp.StatusCode != http.StatusBadRequest || e.Code != "invalid-argument" || !strings.Contains(e.Error, "IMAGE_SAFETY") {
		t.Fatalf("safety rejection expected 400 with reason, got %d: %+v", resp.StatusCode, e)
	}

	h.painter.err = ai.ErrNoImage
	resp, body = h.do(t, http.MethodPost, "/api/generate-visualization", "user-1", map[string]string{
		"characterId": c.ID,
		"prompt":      "empty",
	})
	if resp.StatusCode != http.StatusInternalServerError || decodeError(t, body).Code != "internal" {
		t.Fatalf("missing image expected 500 internal, got %d: %s", resp.StatusCode, body)
	}
}

func TestCreateProfileRejectsBadRequests(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/api/create-profile", "user-1", []byte(`{"imageBase64":`))
	if resp.StatusCode != http.StatusBadRequest || decodeError(t, body).Code != "invalid-argument" {
		t.Fatalf("invalid JSON expected 400, got %d: %s", resp.StatusCode, body)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/create-profile", "user-1", map[string]string{"fileName": "a.png"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing image expected 400, got %d", resp.StatusCode)
	}

	huge := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 200<<10))
	resp, body = h.do(t, http.MethodPost, "/api/create-profile", "user-1", map[string]string{"imageBase64": huge, "fileName": "a.png"})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(decodeError(t, body).Error, "exceeds") {
		t.Fatalf("oversized body expected 400, got %d: %s", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodPost, "/api/create-profile", "user-1", map[string]string{"firstFilePath": "user_uploads/user-1/gone.png"})
	if resp.StatusCode != http.StatusPreconditionFailed || decodeError(t, body).Code != "failed-precondition" {
		t.Fatalf("missing upload expected 412, got %d: %s", resp.StatusCode, body)
	}
}

func TestRequestUploadAndMethodChecks(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/api/request-upload", "user-1", map[string]string{"fileName": "hero.webp"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request upload expected 200, got %d: %s", resp.StatusCode, body)
	}
	var ticket domain.UploadTicket
	if err := json.Unmarshal(body, &ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	if !strings.HasPrefix(ticket.Path, "user_uploads/user-1/") || ticket.UploadURL == "" {
		t.Fatalf("unexpected ticket %+v", ticket)
	}

	resp, _ = h.do(t, http.MethodGet, "/api/create-profile", "user-1", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET create-profile expected 405, got %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz expected 200, got %d", resp.StatusCode)
	}
}

func TestGenerationRateLimitPerUser(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "test:studio", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	h := newHarness(t, limiter)
	c := h.createCharacter(t, "user-1")

	generate := func(subject string) *http.Response {
		resp, _ := h.do(t, http.MethodPost, "/api/generate-visualization", subject, map[string]string{
			"characterId": c.ID,
			"prompt":      "again",
		})
		return resp
	}
	if resp := generate("user-1"); resp.StatusCode != http.StatusOK {
		t.Fatalf("first generate expected 200, got %d", resp.StatusCode)
	}
	resp := generate("user-1")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second generate expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	// Another user has an independent budget; the record is hidden from them.
	if resp := generate("user-2"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("other user expected 404, got %d", resp.StatusCode)
	}
}

func newJWKSVerifier(t *testing.T) (*usertoken.Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": "kid-1",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := usertoken.NewVerifier(context.Background(), usertoken.Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   testIssuer,
		Audience: testAudience,
		Leeway:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier, key
}

func mustSignUserToken(t *testing.T, key *rsa.PrivateKey, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
