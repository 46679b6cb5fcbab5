package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	defaultAnalysisModel = "gemini-2.5-flash"
	defaultImageModel    = "gemini-2.5-flash-image"
)

// blockingFinishReasons are candidate finish reasons that mean the output was withheld by policy.
var blockingFinishReasons = map[string]struct{}{
	"SAFETY":             {},
	"RECITATION":         {},
	"PROHIBITED_CONTENT": {},
	"BLOCKLIST":          {},
	"SPII":               {},
	"IMAGE_SAFETY":       {},
}

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey        string
	Backend       string // "gemini" (default) or "vertex"
	Project       string
	Location      string
	AnalysisModel string
	ImageModel    string
	BaseURL       string
	Timeout       time.Duration
}

// GeminiClient calls Gemini models through the genai SDK. It implements Analyzer and Painter.
type GeminiClient struct {
	client        *genai.Client
	analysisModel string
	imageModel    string
}

// NewGeminiClient constructs a client for the Gemini API or Vertex AI.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	cc := &genai.ClientConfig{}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "gemini":
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, fmt.Errorf("gemini api key required")
		}
		cc.APIKey = apiKey
		cc.Backend = genai.BackendGeminiAPI
	case "vertex":
		if strings.TrimSpace(cfg.Project) == "" || strings.TrimSpace(cfg.Location) == "" {
			return nil, fmt.Errorf("vertex backend requires project and location")
		}
		cc.Project = strings.TrimSpace(cfg.Project)
		cc.Location = strings.TrimSpace(cfg.Location)
		cc.Backend = genai.BackendVertexAI
	default:
		return nil, fmt.Errorf("unknown gemini backend: %s", cfg.Backend)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	cc.HTTPClient = &http.Client{Timeout: timeout}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("init genai client: %w", err)
	}
	analysisModel := normalizeModel(cfg.AnalysisModel)
	if analysisModel == "" {
		analysisModel = defaultAnalysisModel
	}
	imageModel := normalizeModel(cfg.ImageModel)
	if imageModel == "" {
		imageModel = defaultImageModel
	}
	return &GeminiClient{
		client:        client,
		analysisModel: analysisModel,
		imageModel:    imageModel,
	}, nil
}

// AnalyzeImage asks the analysis model for a JSON character profile of the image.
func (c *GeminiClient) AnalyzeImage(ctx context.Context, instruction string, image Image) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(instruction),
			genai.NewPartFromBytes(image.Data, image.MIMEType),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   profileSchema(),
	}
	res, err := c.client.Models.GenerateContent(ctx, c.analysisModel, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini analyze: %w", err)
	}
	if err := blocked(res); err != nil {
		return "", err
	}
	text := firstCandidateText(res)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// GenerateImage asks the image model for a single image.
func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string, references []Image) (Image, error) {
	parts := make([]*genai.Part, 0, len(references)+1)
	parts = append(parts, genai.NewPartFromText(prompt))
	for _, ref := range references {
		if len(ref.Data) == 0 {
			continue
		}
		parts = append(parts, genai.NewPartFromBytes(ref.Data, ref.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	res, err := c.client.Models.GenerateContent(ctx, c.imageModel, contents, config)
	if err != nil {
		return Image{}, fmt.Errorf("gemini generate image: %w", err)
	}
	if err := blocked(res); err != nil {
		return Image{}, err
	}
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return Image{}, ErrNoImage
	}
	for _, part := range res.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		mimeType := part.InlineData.MIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		return Image{Data: part.InlineData.Data, MIMEType: mimeType}, nil
	}
	return Image{}, ErrNoImage
}

func blocked(res *genai.GenerateContentResponse) error {
	if res == nil {
		return nil
	}
	if fb := res.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return &BlockedError{Reason: string(fb.BlockReason), Message: fb.BlockReasonMessage}
	}
	if len(res.Candidates) == 0 || res.Candidates[0] == nil {
		return nil
	}
	reason := string(res.Candidates[0].FinishReason)
	if _, ok := blockingFinishReasons[reason]; ok {
		return &BlockedError{Reason: reason, Message: res.Candidates[0].FinishMessage}
	}
	return nil
}

func firstCandidateText(res *genai.GenerateContentResponse) string {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0] == nil || res.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func profileSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"characterName": {Type: genai.TypeString},
			"description":   {Type: genai.TypeString},
			"keywords": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
		},
		PropertyOrdering: []string{"characterName", "description", "keywords"},
		Required:         []string{"characterName", "description", "keywords"},
	}
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}
