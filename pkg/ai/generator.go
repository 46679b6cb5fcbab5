package ai

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyResponse means the model answered without any text.
	ErrEmptyResponse = errors.New("model returned no text")
	// ErrNoImage means the model answered without an inline image.
	ErrNoImage = errors.New("model returned no image")
)

// BlockedError reports a prompt or candidate rejected by the model's safety policy.
type BlockedError struct {
	Reason  string
	Message string
}

func (e *BlockedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("blocked by model policy (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("blocked by model policy (%s)", e.Reason)
}

// Image is raw image bytes with their MIME type.
type Image struct {
	Data     []byte
	MIMEType string
}

// Analyzer describes an image in response to a text instruction.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, instruction string, image Image) (string, error)
}

// Painter generates an image from a text prompt and optional reference images.
type Painter interface {
	GenerateImage(ctx context.Context, prompt string, references []Image) (Image, error)
}
