package engine

import "testing"

func TestSerializeSkipsLoadingAndEmptyTurns(t *testing.T) {
	msgs := []Message{
		{ID: "u1", Role: RoleUser, Content: "hello"},
		{ID: "a1", Role: RoleModel, Content: "hi there", Variants: []Variant{{Content: "hi there"}}},
		{ID: "u2", Role: RoleUser, Content: "   "},
		{ID: "a2", Role: RoleModel, IsLoading: true, Content: "partial"},
	}

	turns := Serialize(msgs, len(msgs))
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want loading and empty turns skipped", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Parts[0].Text != "hello" {
		t.Errorf("turn 0 = %+v", turns[0])
	}
	if turns[1].Role != "model" || turns[1].Parts[0].Text != "hi there" {
		t.Errorf("turn 1 = %+v", turns[1])
	}
}

func TestSerializeUsesSelectedVariant(t *testing.T) {
	msgs := []Message{
		{ID: "u1", Role: RoleUser, Content: "q"},
		{
			ID:   "a1",
			Role: RoleModel,
			Variants: []Variant{
				{Content: "first take"},
				{Content: "second take", Images: []string{"/img/1.png"}},
			},
			CurrentVariant: 1,
		},
	}

	turns := Serialize(msgs, len(msgs))
	if len(turns) != 2 {
		t.Fatalf("turns = %d", len(turns))
	}
	parts := turns[1].Parts
	if parts[0].Text != "second take" {
		t.Errorf("text = %q, want the selected variant", parts[0].Text)
	}
	if len(parts) != 2 || parts[1].Image == nil || parts[1].Image.URLPath != "/img/1.png" {
		t.Errorf("parts = %+v, want variant image part", parts)
	}
}

func TestSerializeUserAttachmentsByReference(t *testing.T) {
	msgs := []Message{
		{
			ID:      "u1",
			Role:    RoleUser,
			Content: "see attached",
			Files:   []FileRef{{URLPath: "/up/doc.pdf", MimeType: "application/pdf", Name: "doc.pdf"}},
			Images:  []string{"/up/photo.jpg"},
		},
	}

	turns := Serialize(msgs, len(msgs))
	if len(turns) != 1 {
		t.Fatalf("turns = %d", len(turns))
	}
	parts := turns[0].Parts
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want text+file+image", len(parts))
	}
	if parts[1].File == nil || parts[1].File.OriginalName != "doc.pdf" {
		t.Errorf("file part = %+v", parts[1])
	}
	if parts[2].Image == nil || parts[2].Image.URLPath != "/up/photo.jpg" {
		t.Errorf("image part = %+v", parts[2])
	}
}

func TestSerializeUptoBoundsContext(t *testing.T) {
	msgs := []Message{
		{ID: "u1", Role: RoleUser, Content: "q1"},
		{ID: "a1", Role: RoleModel, Content: "a1", Variants: []Variant{{Content: "a1"}}},
		{ID: "u2", Role: RoleUser, Content: "q2"},
	}

	if got := len(Serialize(msgs, 2)); got != 2 {
		t.Errorf("upto=2: turns = %d, want 2", got)
	}
	if got := len(Serialize(msgs, 0)); got != 0 {
		t.Errorf("upto=0: turns = %d, want 0", got)
	}
	// Over-range upto serializes everything, negative upto nothing.
	if got := len(Serialize(msgs, 99)); got != 3 {
		t.Errorf("upto=99: turns = %d, want 3", got)
	}
	if got := len(Serialize(msgs, -1)); got != 0 {
		t.Errorf("upto=-1: turns = %d, want 0", got)
	}
}
