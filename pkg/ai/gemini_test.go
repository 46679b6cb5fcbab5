package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewGeminiClient(context.Background(), GeminiConfig{
		APIKey:        "test-key",
		AnalysisModel: "models/analysis-model",
		ImageModel:    "image-model",
		BaseURL:       srv.URL + "/",
	})
	if err != nil {
		t.Fatalf("new gemini client: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func TestNewGeminiClientValidatesBackend(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), GeminiConfig{}); err == nil {
		t.Fatalf("expected missing api key to fail")
	}
	if _, err := NewGeminiClient(context.Background(), GeminiConfig{Backend: "vertex"}); err == nil {
		t.Fatalf("expected vertex without project to fail")
	}
	if _, err := NewGeminiClient(context.Background(), GeminiConfig{Backend: "other", APIKey: "k"}); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}

func TestAnalyzeImageSendsImageAndReturnsText(t *testing.T) {
	image := []byte{1, 2, 3, 4}
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "analysis-model:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), base64.StdEncoding.EncodeToString(image)) {
			t.Errorf("request body does not carry the image: %s", body)
		}
		if !strings.Contains(string(body), "application/json") {
			t.Errorf("expected JSON response mode in request: %s", body)
		}
		writeJSON(w, map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": `{"characterName":"Ada"}`}}},
				"finishReason": "STOP",
			}},
		})
	})
	text, err := client.AnalyzeImage(context.Background(), "describe", Image{Data: image, MIMEType: "image/png"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if text != `{"characterName":"Ada"}` {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestAnalyzeImageEmptyResponse(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"candidates": []map[string]any{}})
	})
	_, err := client.AnalyzeImage(context.Background(), "describe", Image{Data: []byte{1}, MIMEType: "image/png"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestGenerateImageReturnsFirstInlineImage(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	client := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "image-model:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeJSON(w, map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"role": "model", "parts": []map[string]any{
					{"text": "here you go"},
					{"inlineData": map[string]any{"mimeType": "image/png", "data": base64.StdEncoding.EncodeToString(png)}},
				}},
				"finishReason": "STOP",
			}},
		})
	})
	img, err := client.GenerateImage(context.Background(), "a hero at sea", []Image{{Data: []byte{9}, MIMEType: "image/jpeg"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(img.Data) != string(png) || img.MIMEType != "image/png" {
		t.Fatalf("unexpected image %+v", img)
	}
}

func TestGenerateImageSafetyFinishReason(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"candidates": []map[string]any{{"finishReason": "SAFETY"}},
		})
	})
	_, err := client.GenerateImage(context.Background(), "bad prompt", nil)
	var blockedErr *BlockedError
	if !errors.As(err, &blockedErr) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blockedErr.Reason != "SAFETY" {
		t.Fatalf("reason = %q, want SAFETY", blockedErr.Reason)
	}
}

func TestGenerateImagePromptBlocked(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"promptFeedback": map[string]any{"blockReason": "PROHIBITED_CONTENT"},
		})
	})
	_, err := client.GenerateImage(context.Background(), "bad prompt", nil)
	var blockedErr *BlockedError
	if !errors.As(err, &blockedErr) || blockedErr.Reason != "PROHIBITED_CONTENT" {
		t.Fatalf("expected PROHIBITED_CONTENT block, got %v", err)
	}
}

func TestGenerateImageWithoutImagePart(t *testing.T) {
	client := newTestGemini(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": "sorry"}}},
				"finishReason": "STOP",
			}},
		})
	})
	_, err := client.GenerateImage(context.Background(), "prompt", nil)
	if !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
}
