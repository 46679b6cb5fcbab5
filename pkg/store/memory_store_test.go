package store

import (
	"context"
	"errors"
	"testing"

	"characterstudio/pkg/domain"
)

func newCharacter(owner, name string) domain.Character {
	return domain.Character{
		OwnerID:            owner,
		Name:               name,
		Description:        "a character",
		Keywords:           []string{"a", "b", "c", "d", "e"},
		Status:             domain.StatusReady,
		ReferenceImagePath: "user_uploads/" + owner + "/1_" + name + ".png",
		GeneratedAdapterID: "simulated-adapter-1",
	}
}

func TestMemoryStoreCreateAssignsIDAndTimestamp(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.CreateCharacter(context.Background(), newCharacter("user-1", "hero"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected store-assigned id")
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("expected store-assigned createdAt")
	}
	got, ok, err := s.GetCharacter(context.Background(), created.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Name != "hero" || len(got.Keywords) != 5 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStoreListScopesByOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, c := range []domain.Character{
		newCharacter("user-1", "a"),
		newCharacter("user-2", "b"),
		newCharacter("user-1", "c"),
	} {
		if _, err := s.CreateCharacter(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	items, err := s.ListCharactersByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 records for user-1, got %d", len(items))
	}
	for _, c := range items {
		if c.OwnerID != "user-1" {
			t.Fatalf("listed foreign record: %+v", c)
		}
	}
	if items[0].Name != "a" || items[1].Name != "c" {
		t.Fatalf("expected insertion order a,c; got %s,%s", items[0].Name, items[1].Name)
	}
	empty, err := s.ListCharactersByOwner(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v err=%v", empty, err)
	}
}

func TestMemoryStoreRejectsIncompleteRecords(t *testing.T) {
	s := NewMemoryStore()
	c := newCharacter("user-1", "x")
	c.ReferenceImagePath = ""
	if _, err := s.CreateCharacter(context.Background(), c); !errors.Is(err, ErrIncompleteCharacter) {
		t.Fatalf("expected ErrIncompleteCharacter, got %v", err)
	}
	c = newCharacter("user-1", "x")
	c.Status = "pending"
	if _, err := s.CreateCharacter(context.Background(), c); !errors.Is(err, ErrIncompleteCharacter) {
		t.Fatalf("expected ErrIncompleteCharacter for unknown status, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.CreateCharacter(context.Background(), newCharacter("user-1", "hero"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created.Keywords[0] = "mutated"
	got, _, _ := s.GetCharacter(context.Background(), created.ID)
	if got.Keywords[0] != "a" {
		t.Fatalf("stored keywords were mutated: %v", got.Keywords)
	}
}

func TestCharacterModelRoundTrip(t *testing.T) {
	c := newCharacter("user-1", "hero")
	c.ID = "id-1"
	model, err := characterToModel(c)
	if err != nil {
		t.Fatalf("to model: %v", err)
	}
	back, err := characterFromModel(model)
	if err != nil {
		t.Fatalf("from model: %v", err)
	}
	if len(back.Keywords) != 5 || back.Keywords[4] != "e" {
		t.Fatalf("keywords lost order: %v", back.Keywords)
	}
	if back.Status != domain.StatusReady || back.ReferenceImagePath != c.ReferenceImagePath {
		t.Fatalf("unexpected round trip: %+v", back)
	}
}
