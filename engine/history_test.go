package engine

import (
	"testing"

	"github.com/ask-cli/ask/api"
)

func TestCleanStoredText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{
			"inlined file block",
			"look at this\n--- File: notes.txt ---\nsecret contents\n--- End File ---\nthanks",
			"look at this\n\nthanks",
		},
		{
			"binary marker",
			"here [Binary file: image.png] done",
			"here  done",
		},
		{
			"attachment descriptor blob",
			`{"url_path":"/up/doc.pdf","mime_type":"application/pdf"}`,
			"",
		},
		{"ordinary json stays", `{"answer": 42}`, `{"answer": 42}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := cleanStoredText(tc.in); got != tc.want {
				t.Errorf("cleanStoredText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeHistoryWrapsModelVariants(t *testing.T) {
	stored := []api.StoredMessage{
		{ID: "m1", Role: "user", Parts: []api.Part{
			{Text: "question"},
			{File: &api.FileRef{URLPath: "/up/a.txt", OriginalName: "a.txt"}},
		}},
		{ID: "m2", Role: "model", Parts: []api.Part{
			{Text: "answer"},
			{Image: &api.ImageRef{URLPath: "/img/x.png"}},
		}},
		{Role: "model", Parts: []api.Part{}}, // legacy empty turn
	}

	msgs := normalizeHistory(stored)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d", len(msgs))
	}

	u := msgs[0]
	if u.Role != RoleUser || u.Content != "question" || len(u.Files) != 1 {
		t.Errorf("user message = %+v", u)
	}

	m := msgs[1]
	if len(m.Variants) != 1 {
		t.Fatalf("model variants = %d, want 1", len(m.Variants))
	}
	if m.Variants[0].Content != "answer" || len(m.Variants[0].Images) != 1 {
		t.Errorf("variant = %+v", m.Variants[0])
	}
	if m.CurrentContent() != "answer" {
		t.Errorf("CurrentContent = %q", m.CurrentContent())
	}

	empty := msgs[2]
	if len(empty.Variants) != 0 {
		t.Errorf("empty model turn grew variants: %+v", empty.Variants)
	}
	if empty.ID == "" {
		t.Error("missing id not generated")
	}
}
