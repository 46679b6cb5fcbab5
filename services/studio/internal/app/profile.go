package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"characterstudio/pkg/domain"
)

const analysisInstruction = `Analyze the character in this image. Respond with a JSON object containing:
"characterName": a creative name for the character,
"description": a short, engaging description of the character's appearance and personality,
"keywords": an array of exactly 5 relevant keywords.
Respond ONLY with valid JSON.`

// parseProfile reads the analysis model's answer. ok is false when the text is
// not a JSON object carrying at least a name and a description.
func parseProfile(text string) (domain.CharacterProfile, bool) {
	text = stripCodeFence(text)
	var raw struct {
		Name        string   `json:"characterName"`
		Description string   `json:"description"`
		Keywords    []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return domain.CharacterProfile{}, false
	}
	profile := domain.CharacterProfile{
		Name:        strings.TrimSpace(raw.Name),
		Description: strings.TrimSpace(raw.Description),
		Keywords:    make([]string, 0, len(raw.Keywords)),
	}
	if profile.Name == "" || profile.Description == "" {
		return domain.CharacterProfile{}, false
	}
	for _, kw := range raw.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			profile.Keywords = append(profile.Keywords, kw)
		}
	}
	return profile, true
}

// stripCodeFence removes a surrounding ```json ... ``` block if present.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSpace(text)
	return strings.TrimSpace(strings.TrimSuffix(text, "```"))
}

func visualizationPrompt(description, scene string) string {
	return fmt.Sprintf("Create an image of a character. Character appearance: %q. Place this character in the following scene: %q.",
		strings.TrimSpace(description), strings.TrimSpace(scene))
}
