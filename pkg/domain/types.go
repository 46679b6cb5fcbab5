package domain

import "time"

type CharacterStatus string

const (
	StatusReady CharacterStatus = "ready"
	StatusError CharacterStatus = "error"
)

// Character is a stored character profile. Records are written once and never updated.
type Character struct {
	ID                 string          `json:"id"`
	OwnerID            string          `json:"ownerId"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Keywords           []string        `json:"keywords"`
	Status             CharacterStatus `json:"status"`
	ReferenceImagePath string          `json:"referenceImagePath"`
	GeneratedAdapterID string          `json:"generatedAdapterId"`
	CreatedAt          time.Time       `json:"createdAt"`

	// ImagePreviewURL is a short-lived download link filled in per response; never persisted.
	ImagePreviewURL string `json:"imagePreviewUrl,omitempty"`
}

// CharacterProfile is what image analysis yields for a new character.
type CharacterProfile struct {
	Name        string   `json:"characterName"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// FallbackProfile is stored when the model answer cannot be parsed.
func FallbackProfile() CharacterProfile {
	return CharacterProfile{
		Name:        "Hero (fallback)",
		Description: "Description failed.",
		Keywords:    []string{"error"},
	}
}

// Visualization is a generated scene image, returned inline and never stored.
type Visualization struct {
	Image    string `json:"image"`
	MimeType string `json:"mimeType"`
}

// UploadTicket grants a client a direct upload into the caller's upload prefix.
type UploadTicket struct {
	Path      string    `json:"path"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}
