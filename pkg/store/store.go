package store

import (
	"context"
	"errors"

	"characterstudio/pkg/domain"
)

// ErrIncompleteCharacter rejects records that are not fully populated.
var ErrIncompleteCharacter = errors.New("character record incomplete")

// CharacterStore persists character records. Records are create-only.
type CharacterStore interface {
	// CreateCharacter assigns ID and CreatedAt and returns the stored record.
	CreateCharacter(ctx context.Context, c domain.Character) (domain.Character, error)
	ListCharactersByOwner(ctx context.Context, ownerID string) ([]domain.Character, error)
	GetCharacter(ctx context.Context, id string) (domain.Character, bool, error)
}

func validateNew(c domain.Character) error {
	switch {
	case c.OwnerID == "", c.Name == "", c.ReferenceImagePath == "":
		return ErrIncompleteCharacter
	case c.Status != domain.StatusReady && c.Status != domain.StatusError:
		return ErrIncompleteCharacter
	}
	return nil
}
