// Package engine owns conversation state: the message list, the session
// identity, and the single in-flight generation attempt. It drives the api
// transport and exposes the command set the presentation layer calls.
package engine

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Variant is one complete candidate reply for a model turn. Regeneration
// appends variants; they are never removed.
type Variant struct {
	Content      string
	Images       []string
	Sources      []json.RawMessage
	ThinkingTime *float64
}

// Widget is the latest state of one inline widget, keyed by tag.
type Widget struct {
	Tag   string
	State json.RawMessage
}

// FileRef describes an attachment by reference; the engine never holds file
// contents.
type FileRef struct {
	URLPath  string
	MimeType string
	Name     string
	Size     int64
}

// Message is one turn of the conversation. Messages are treated as values:
// every mutation replaces the message (and the history slice) rather than
// editing in place, so snapshots handed to the presentation layer stay
// stable.
type Message struct {
	ID             string
	Role           Role
	Content        string
	Variants       []Variant
	CurrentVariant int
	Images         []string
	Files          []FileRef
	Widgets        []Widget

	IsLoading         bool
	IsError           bool
	IsGeneratingImage bool
	ImagePrompt       string

	Timestamp time.Time
}

// CurrentContent resolves the message text through the selected variant,
// falling back to the raw Content field for messages without variants.
func (m Message) CurrentContent() string {
	if v, ok := m.currentVariant(); ok {
		if v.Content != "" {
			return v.Content
		}
	}
	return m.Content
}

// CurrentImages resolves the image list the same way as CurrentContent.
func (m Message) CurrentImages() []string {
	if v, ok := m.currentVariant(); ok {
		return v.Images
	}
	return m.Images
}

func (m Message) currentVariant() (Variant, bool) {
	if len(m.Variants) == 0 {
		return Variant{}, false
	}
	i := m.CurrentVariant
	if i < 0 || i >= len(m.Variants) {
		i = 0
	}
	return m.Variants[i], true
}

// Session identifies one conversation and its sharing state. ID is assigned
// once and never changes within a conversation; Slug may be rewritten when
// the backend returns a canonical one.
type Session struct {
	ID       string
	Slug     string
	PublicID string
	ShareURL string
	IsPublic bool
	IsOwner  bool
	ReadOnly bool
}
