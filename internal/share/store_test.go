package share

import (
	"testing"

	"github.com/estelle/pylon/internal/identity"
)

var conv = identity.Encode(1, 1, 1)

func TestShareIDFormat(t *testing.T) {
	s := NewStore()
	info, err := s.Create(conv)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(info.ShareID) != 12 {
		t.Fatalf("share id length = %d, want 12", len(info.ShareID))
	}
	for _, r := range info.ShareID {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		default:
			t.Fatalf("share id contains non-base62 character %q", r)
		}
	}
}

func TestShareIDUsesFullAlphabet(t *testing.T) {
	counts := make(map[rune]int)
	for i := 0; i < 1000; i++ {
		id, err := newShareID()
		if err != nil {
			t.Fatalf("newShareID: %v", err)
		}
		if len(id) != idLength {
			t.Fatalf("share id length = %d, want %d", len(id), idLength)
		}
		for _, r := range id {
			counts[r]++
		}
	}
	for _, r := range alphabet {
		if counts[r] == 0 {
			t.Errorf("character %q never drawn", r)
		}
	}
}

func TestShareIDSpace(t *testing.T) {
	s := NewStore()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		// Distinct conversations so earlier shares are not replaced.
		info, err := s.Create(identity.Encode(1, (i%100)+1, (i/100)+1))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[info.ShareID] {
			t.Fatalf("duplicate share id %s after %d creations", info.ShareID, i)
		}
		seen[info.ShareID] = true
	}
}

func TestCreateReplacesExistingShare(t *testing.T) {
	s := NewStore()
	first, _ := s.Create(conv)
	second, _ := s.Create(conv)

	if _, ok := s.Validate(first.ShareID); ok {
		t.Error("replaced share still validates")
	}
	if _, ok := s.Validate(second.ShareID); !ok {
		t.Error("live share does not validate")
	}
}

func TestAccessIncrementsCount(t *testing.T) {
	s := NewStore()
	info, _ := s.Create(conv)
	for i := 1; i <= 3; i++ {
		got, ok := s.Access(info.ShareID)
		if !ok {
			t.Fatal("access failed")
		}
		if got.AccessCount != i {
			t.Errorf("access count = %d, want %d", got.AccessCount, i)
		}
	}
	// Validate must not bump the count.
	got, _ := s.Validate(info.ShareID)
	if got.AccessCount != 3 {
		t.Errorf("validate changed access count to %d", got.AccessCount)
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	info, _ := s.Create(conv)
	if !s.Delete(info.ShareID) {
		t.Fatal("delete failed")
	}
	if s.Delete(info.ShareID) {
		t.Error("double delete succeeded")
	}
	if _, ok := s.Validate(info.ShareID); ok {
		t.Error("deleted share validates")
	}

	info, _ = s.Create(conv)
	if !s.DeleteByConversation(conv) {
		t.Fatal("delete by conversation failed")
	}
	if _, ok := s.Validate(info.ShareID); ok {
		t.Error("share survives DeleteByConversation")
	}
}
