package identity

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, p := range []int{1, 2, 64, 127} {
		for _, w := range []int{1, 5, 127} {
			for _, c := range []int{1, 2, 100, 4095} {
				id := Encode(p, w, c)
				gp, gw, gc := Decode(id)
				if gp != p || gw != w || gc != c {
					t.Fatalf("round trip failed: (%d,%d,%d) -> %d -> (%d,%d,%d)", p, w, c, id, gp, gw, gc)
				}
			}
		}
	}
}

func TestEncodeUniqueAcrossWorkspaces(t *testing.T) {
	// Same local index in different workspaces must never collide.
	a := Encode(1, 1, 3)
	b := Encode(1, 2, 3)
	if a == b {
		t.Fatalf("expected distinct ids, both %d", a)
	}
}

func TestAccessors(t *testing.T) {
	id := Encode(7, 42, 99)
	if id.PylonID() != 7 {
		t.Errorf("PylonID() = %d, want 7", id.PylonID())
	}
	if id.WorkspaceID() != 42 {
		t.Errorf("WorkspaceID() = %d, want 42", id.WorkspaceID())
	}
	if id.Local() != 99 {
		t.Errorf("Local() = %d, want 99", id.Local())
	}
}

func TestValid(t *testing.T) {
	if !Encode(1, 1, 1).Valid() {
		t.Error("expected minimal id to be valid")
	}
	if ConversationID(0).Valid() {
		t.Error("zero id must be invalid")
	}
	// Missing pylon component.
	if ConversationID(1<<12 | 1).Valid() {
		t.Error("id without pylon component must be invalid")
	}
}

func TestEncodePanicsOutOfRange(t *testing.T) {
	cases := [][3]int{{0, 1, 1}, {128, 1, 1}, {1, 0, 1}, {1, 128, 1}, {1, 1, 0}, {1, 1, 4096}}
	for _, c := range cases {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Encode(%d,%d,%d) did not panic", c[0], c[1], c[2])
				}
			}()
			Encode(c[0], c[1], c[2])
		}()
	}
}
