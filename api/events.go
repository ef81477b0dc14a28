package api

import "encoding/json"

// Event is one decoded item from the generation stream. The set of
// implementations is closed; records that match none of the known shapes are
// dropped by the decoder rather than surfaced.
type Event interface {
	streamEvent()
}

// TextDelta carries one incremental piece of the reply text.
type TextDelta struct {
	Text string
}

// WidgetUpdate carries the serialized state of an inline widget, keyed by tag.
type WidgetUpdate struct {
	Tag   string
	State json.RawMessage
}

// ImageGenerating signals that the backend started producing an image for the
// given prompt. It is superseded by the first subsequent TextDelta.
type ImageGenerating struct {
	Prompt string
}

// SessionRenamed reports the canonical session identity assigned by the
// backend. It may arrive on any record, independent of other classification.
type SessionRenamed struct {
	ID   string
	Slug string
}

// Completion is the single terminal event of a successful stream.
type Completion struct {
	Reply        string
	Images       []string
	Sources      []json.RawMessage
	ThinkingTime *float64
	Aborted      bool
	SessionID    string
	SessionSlug  string
	SessionToken string
}

// Failure is the single terminal event of a failed stream. Cancellation is
// not a failure; it terminates with Completion{Aborted: true}.
type Failure struct {
	Err error
}

func (TextDelta) streamEvent()       {}
func (WidgetUpdate) streamEvent()    {}
func (ImageGenerating) streamEvent() {}
func (SessionRenamed) streamEvent()  {}
func (Completion) streamEvent()      {}
func (Failure) streamEvent()         {}

const statusGeneratingImage = "generating_image"

// record is the loosely-typed wire shape of one stream record. Every field is
// optional and records routinely mix several of them.
type record struct {
	ReplyPart    string            `json:"reply_part"`
	WidgetUpdate *widgetPayload    `json:"widget_update"`
	Status       string            `json:"status"`
	Prompt       string            `json:"prompt"`
	Reply        string            `json:"reply"`
	Images       []string          `json:"images"`
	Sources      []json.RawMessage `json:"sources"`
	ThinkingTime *float64          `json:"thinkingTime"`
	SessionID    string            `json:"sessionId"`
	SessionSlug  string            `json:"sessionSlug"`
	SessionToken string            `json:"session_token"`
	Aborted      bool              `json:"aborted"`
	EndOfStream  bool              `json:"end_of_stream"`
}

type widgetPayload struct {
	Tag   string          `json:"tag"`
	State json.RawMessage `json:"state"`
}

// classify turns one record into zero or more non-terminal events, folding
// completion-relevant fields into final along the way. Priority: widget
// update, image-generating status, text delta, final reply / end marker.
// Session identity fields are handled out-of-band on any record.
func classify(rec record, final *Completion) []Event {
	var events []Event

	if rec.SessionID != "" || rec.SessionSlug != "" {
		if rec.SessionID != "" {
			final.SessionID = rec.SessionID
		}
		if rec.SessionSlug != "" {
			final.SessionSlug = rec.SessionSlug
		}
		events = append(events, SessionRenamed{ID: rec.SessionID, Slug: rec.SessionSlug})
	}
	if rec.SessionToken != "" {
		final.SessionToken = rec.SessionToken
	}

	switch {
	case rec.WidgetUpdate != nil:
		events = append(events, WidgetUpdate{Tag: rec.WidgetUpdate.Tag, State: rec.WidgetUpdate.State})

	case rec.Status == statusGeneratingImage:
		events = append(events, ImageGenerating{Prompt: rec.Prompt})

	case rec.ReplyPart != "":
		events = append(events, TextDelta{Text: rec.ReplyPart})
		mergeFinal(rec, final)

	case rec.Reply != "" || rec.EndOfStream || rec.Aborted:
		if rec.Reply != "" {
			final.Reply = rec.Reply
		}
		if rec.Aborted {
			final.Aborted = true
		}
		mergeFinal(rec, final)
	}

	return events
}

func mergeFinal(rec record, final *Completion) {
	if rec.Images != nil {
		final.Images = rec.Images
	}
	if rec.Sources != nil {
		final.Sources = rec.Sources
	}
	if rec.ThinkingTime != nil {
		final.ThinkingTime = rec.ThinkingTime
	}
}
