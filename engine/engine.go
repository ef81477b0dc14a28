package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ask-cli/ask/api"
	"github.com/ask-cli/ask/ident"
)

// stopMarker is appended to the partial reply when the user stops generation.
const stopMarker = "\n\n_[Generation stopped]_"

// Transport is the backend capability the engine drives. *api.Client
// implements it.
type Transport interface {
	Chat(ctx context.Context, req api.ChatRequest, sink api.Sink)
	SessionHistory(ctx context.Context, sessionID, bearer string) (*api.SessionHistory, error)
	ToggleShare(ctx context.Context, sessionID string, public bool) (*api.ShareState, error)
}

type attemptMode int

const (
	attemptSend attemptMode = iota
	attemptEdit
	attemptRegenerate
)

// attempt is one run of the generation state machine, from request to
// terminal event. At most one attempt is active per Chat; starting a new one
// cancels and drains the previous one first.
type attempt struct {
	mode     attemptMode
	targetID string
	cancel   context.CancelFunc
	done     chan struct{}
	acc      strings.Builder
}

// Chat is the conversation orchestrator. All state it owns (message list,
// session identity, active attempt) is guarded by mu; events from the stream
// are applied strictly in arrival order.
type Chat struct {
	transport Transport
	ids       *ident.Resolver
	log       *zap.Logger

	model     string
	guestSave bool
	onSettled func(Message)

	mu       sync.Mutex
	onChange func()
	history  []Message
	session  Session
	attempt  *attempt
}

// ChatOption configures a Chat.
type ChatOption func(*Chat)

func WithLogger(log *zap.Logger) ChatOption {
	return func(c *Chat) { c.log = log }
}

// WithDefaultModel sets the model used when a command does not name one.
func WithDefaultModel(model string) ChatOption {
	return func(c *Chat) { c.model = model }
}

// WithGuestSave controls whether session identity is persisted for guest
// continuity. Disabled conversations leave no trace in the store.
func WithGuestSave(enabled bool) ChatOption {
	return func(c *Chat) { c.guestSave = enabled }
}

// WithOnSettled registers a callback fired after a user-initiated attempt
// settles successfully (not when it was stopped). It runs outside the engine
// lock.
func WithOnSettled(fn func(Message)) ChatOption {
	return func(c *Chat) { c.onSettled = fn }
}

func New(transport Transport, ids *ident.Resolver, opts ...ChatOption) *Chat {
	c := &Chat{
		transport: transport,
		ids:       ids,
		log:       zap.NewNop(),
		model:     "gemini",
		guestSave: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetOnChange registers a callback invoked (outside the lock) whenever the
// observable state changed. The presentation layer uses it to re-render.
func (c *Chat) SetOnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Messages returns a snapshot of the history. Messages are values; the
// returned slice never mutates under the caller.
func (c *Chat) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Chat) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Busy reports whether a generation attempt is in flight.
func (c *Chat) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt != nil
}

// SendOptions carries the optional parts of a Send/Edit/Regenerate command.
type SendOptions struct {
	Model      string
	Files      []api.Upload
	Meta       map[string]interface{}
	WebSearch  bool
	Censorship bool
}

// Send appends a user turn and a loading model placeholder, then starts a
// generation attempt with the prior history as context. It is a no-op when
// both the trimmed text and the file list are empty, or when the session is
// read-only.
func (c *Chat) Send(text string, opts SendOptions) {
	if strings.TrimSpace(text) == "" && len(opts.Files) == 0 {
		return
	}

	// Settle any in-flight attempt before the new placeholder appears, so
	// observers never see two loading messages at once.
	c.cancelActiveAndWait()

	c.mu.Lock()
	if c.session.ReadOnly {
		c.mu.Unlock()
		return
	}
	c.ensureSessionLocked()

	turns := Serialize(c.history, len(c.history))
	meta := c.metaLocked(opts.Meta)

	now := time.Now()
	userMsg := Message{
		ID:        newMessageID("user"),
		Role:      RoleUser,
		Content:   text,
		Files:     uploadRefs(opts.Files),
		Timestamp: now,
	}
	target := Message{
		ID:        newMessageID("ai"),
		Role:      RoleModel,
		IsLoading: true,
		Timestamp: now,
	}

	next := make([]Message, 0, len(c.history)+2)
	next = append(next, c.history...)
	next = append(next, userMsg, target)
	c.history = next

	req := api.ChatRequest{
		Message:    text,
		Model:      c.modelFor(opts.Model),
		UserID:     c.session.ID,
		History:    turns,
		Files:      opts.Files,
		Meta:       meta,
		WebSearch:  opts.WebSearch,
		Censorship: opts.Censorship,
		Bearer:     c.ids.GuestToken(c.session.ID),
	}
	c.mu.Unlock()

	c.notifyChange()
	c.startAttempt(attemptSend, target.ID, req)
}

// Stop cancels the in-flight attempt, if any. The attempt settles as aborted
// through its own terminal event; Stop never errors and partial text is kept.
func (c *Chat) Stop() {
	c.mu.Lock()
	at := c.attempt
	c.mu.Unlock()
	if at != nil {
		at.cancel()
	}
}

// Regenerate discards everything after the given model message and starts a
// new attempt for the user turn immediately preceding it. The completion is
// appended as a new variant; earlier variants are untouched.
func (c *Chat) Regenerate(modelMessageID string, opts SendOptions) {
	c.cancelActiveAndWait()

	c.mu.Lock()
	if c.session.ReadOnly {
		c.mu.Unlock()
		return
	}

	ai := c.indexOfLocked(modelMessageID)
	if ai < 0 || c.history[ai].Role != RoleModel {
		c.mu.Unlock()
		return
	}
	ui := ai - 1
	if ui < 0 || c.history[ui].Role != RoleUser {
		c.mu.Unlock()
		return
	}

	c.ensureSessionLocked()
	userMsg := c.history[ui]
	turns := Serialize(c.history, ui)

	next := make([]Message, ai+1)
	copy(next, c.history[:ai+1])
	m := next[ai]
	m.IsLoading = true
	m.IsError = false
	next[ai] = m
	c.history = next

	req := api.ChatRequest{
		Message:    userMsg.Content,
		Model:      c.modelFor(opts.Model),
		UserID:     c.session.ID,
		History:    turns,
		Meta:       c.metaLocked(opts.Meta),
		WebSearch:  opts.WebSearch,
		Censorship: opts.Censorship,
		Bearer:     c.ids.GuestToken(c.session.ID),
	}
	c.mu.Unlock()

	c.notifyChange()
	c.startAttempt(attemptRegenerate, modelMessageID, req)
}

// EditMessage rewrites a user message in place, discards everything after it,
// and starts a fresh attempt. This resets the following model turn to a
// single variant; it is not a branch.
func (c *Chat) EditMessage(userMessageID, newText string, opts SendOptions) {
	if strings.TrimSpace(newText) == "" {
		return
	}

	c.cancelActiveAndWait()

	c.mu.Lock()
	if c.session.ReadOnly {
		c.mu.Unlock()
		return
	}

	ui := c.indexOfLocked(userMessageID)
	if ui < 0 || c.history[ui].Role != RoleUser {
		c.mu.Unlock()
		return
	}

	c.ensureSessionLocked()

	next := make([]Message, ui+1)
	copy(next, c.history[:ui+1])
	m := next[ui]
	m.Content = newText
	next[ui] = m

	turns := Serialize(next, ui)

	target := Message{
		ID:        newMessageID("ai"),
		Role:      RoleModel,
		IsLoading: true,
		Timestamp: time.Now(),
	}
	next = append(next, target)
	c.history = next

	req := api.ChatRequest{
		Message:    newText,
		Model:      c.modelFor(opts.Model),
		UserID:     c.session.ID,
		History:    turns,
		Meta:       c.metaLocked(opts.Meta),
		WebSearch:  opts.WebSearch,
		Censorship: opts.Censorship,
		Bearer:     c.ids.GuestToken(c.session.ID),
	}
	c.mu.Unlock()

	c.notifyChange()
	c.startAttempt(attemptEdit, target.ID, req)
}

// SwitchVariant moves the selected variant of a model message by direction
// (±1), clamped to bounds. Purely local; never touches the network.
func (c *Chat) SwitchVariant(modelMessageID string, direction int) {
	c.mu.Lock()
	i := c.indexOfLocked(modelMessageID)
	if i < 0 || len(c.history[i].Variants) <= 1 {
		c.mu.Unlock()
		return
	}
	msg := c.history[i]
	ni := msg.CurrentVariant + direction
	if ni < 0 || ni >= len(msg.Variants) {
		c.mu.Unlock()
		return
	}

	c.replaceMessageLocked(modelMessageID, func(m Message) Message {
		v := m.Variants[ni]
		m.CurrentVariant = ni
		m.Content = v.Content
		m.Images = v.Images
		return m
	})
	c.mu.Unlock()
	c.notifyChange()
}

// LoadSession resolves the identity, fetches the stored history and replaces
// the in-memory conversation wholesale. Read-only is derived from the
// sharing/ownership flags the backend reports.
func (c *Chat) LoadSession(ctx context.Context, slugOrID string) error {
	c.cancelActiveAndWait()

	id := c.ids.Resolve(slugOrID)
	data, err := c.transport.SessionHistory(ctx, id, c.ids.GuestToken(id))
	if err != nil {
		return err
	}

	msgs := normalizeHistory(data.History)

	c.mu.Lock()
	resolvedID := data.SessionID
	if resolvedID == "" {
		resolvedID = id
	}
	slug := data.PublicID
	if slug == "" {
		slug = c.ids.SlugFor(resolvedID)
	}
	c.session = Session{
		ID:       resolvedID,
		Slug:     slug,
		PublicID: data.PublicID,
		ShareURL: data.ShareURL,
		IsPublic: data.IsPublic,
		IsOwner:  data.IsOwner,
		ReadOnly: data.ReadOnly || (data.IsPublic && !data.IsOwner),
	}
	c.history = msgs
	c.ids.Register(resolvedID, slug)
	if c.guestSave {
		c.ids.RememberCurrent(resolvedID, slug)
		c.ids.RememberGuestSession(resolvedID)
	}
	c.mu.Unlock()

	c.notifyChange()
	return nil
}

// ClearChat resets to an empty, identity-less conversation. For guest users
// a fresh session id is pre-allocated in the store for future use.
func (c *Chat) ClearChat() {
	c.cancelActiveAndWait()

	c.mu.Lock()
	c.history = nil
	c.session = Session{}
	if c.guestSave {
		id := uuid.NewString()
		c.ids.RememberCurrent(id, "")
		c.ids.RememberGuestSession(id)
	}
	c.mu.Unlock()
	c.notifyChange()
}

// EnableSharing makes the session public via the share endpoint.
func (c *Chat) EnableSharing(ctx context.Context) (*api.ShareState, error) {
	return c.toggleSharing(ctx, true)
}

// DisableSharing makes the session private again. It never flips the current
// viewer to read-only.
func (c *Chat) DisableSharing(ctx context.Context) (*api.ShareState, error) {
	return c.toggleSharing(ctx, false)
}

func (c *Chat) toggleSharing(ctx context.Context, public bool) (*api.ShareState, error) {
	c.mu.Lock()
	id := c.session.ID
	c.mu.Unlock()
	if id == "" {
		return nil, nil
	}

	st, err := c.transport.ToggleShare(ctx, id, public)
	if err != nil {
		return nil, err
	}

	// Only the sharing fields change; ownership and read-only state are not
	// side effects of a toggle.
	c.mu.Lock()
	c.session.IsPublic = st.IsPublic && public
	c.session.PublicID = st.PublicID
	if public {
		c.session.ShareURL = st.ShareURL
	} else {
		c.session.ShareURL = ""
	}
	c.mu.Unlock()

	c.notifyChange()
	return st, nil
}

// --- attempt lifecycle ---

func (c *Chat) startAttempt(mode attemptMode, targetID string, req api.ChatRequest) {
	// Single-flight: replace-and-cancel. The previous attempt settles its
	// target as aborted before the new one is installed.
	c.cancelActiveAndWait()

	ctx, cancel := context.WithCancel(context.Background())
	at := &attempt{
		mode:     mode,
		targetID: targetID,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.attempt = at
	c.mu.Unlock()

	go func() {
		defer close(at.done)
		defer cancel()
		c.transport.Chat(ctx, req, func(ev api.Event) {
			c.apply(at, ev)
		})
	}()
}

func (c *Chat) cancelActiveAndWait() {
	c.mu.Lock()
	at := c.attempt
	c.mu.Unlock()
	if at == nil {
		return
	}
	at.cancel()
	<-at.done
}

// apply folds one stream event into the conversation state.
func (c *Chat) apply(at *attempt, ev api.Event) {
	c.mu.Lock()
	if c.attempt != at {
		c.mu.Unlock()
		return
	}

	changed := false
	var settled *Message

	switch ev := ev.(type) {
	case api.TextDelta:
		at.acc.WriteString(ev.Text)
		text := at.acc.String()
		changed = c.replaceMessageLocked(at.targetID, func(m Message) Message {
			m.Content = text
			m.IsLoading = true
			m.IsGeneratingImage = false
			m.ImagePrompt = ""
			return m
		})

	case api.WidgetUpdate:
		changed = c.replaceMessageLocked(at.targetID, func(m Message) Message {
			m.Widgets = upsertWidget(m.Widgets, Widget{Tag: ev.Tag, State: ev.State})
			return m
		})

	case api.ImageGenerating:
		changed = c.replaceMessageLocked(at.targetID, func(m Message) Message {
			m.IsGeneratingImage = true
			m.ImagePrompt = ev.Prompt
			return m
		})

	case api.SessionRenamed:
		changed = c.adoptIdentityLocked(ev.ID, ev.Slug)

	case api.Completion:
		changed, settled = c.settleLocked(at, ev)

	case api.Failure:
		changed = c.failLocked(at, ev.Err)
	}

	onChange := c.onChange
	onSettled := c.onSettled
	c.mu.Unlock()

	if changed && onChange != nil {
		onChange()
	}
	if settled != nil && onSettled != nil {
		onSettled(*settled)
	}
}

func (c *Chat) settleLocked(at *attempt, ev api.Completion) (bool, *Message) {
	if ev.SessionID != "" || ev.SessionSlug != "" {
		c.adoptIdentityLocked(ev.SessionID, ev.SessionSlug)
	}
	if ev.SessionToken != "" {
		sid := ev.SessionID
		if sid == "" {
			sid = c.session.ID
		}
		c.ids.SetGuestToken(sid, ev.SessionToken)
	}

	text := at.acc.String()
	if ev.Aborted {
		text += stopMarker
	} else if ev.Reply != "" {
		// The authoritative final reply wins over the accumulator.
		text = ev.Reply
	}

	variant := Variant{
		Content:      text,
		Images:       ev.Images,
		Sources:      ev.Sources,
		ThinkingTime: ev.ThinkingTime,
	}

	var settledCopy Message
	changed := c.replaceMessageLocked(at.targetID, func(m Message) Message {
		if at.mode == attemptRegenerate {
			m.Variants = append(append([]Variant{}, m.Variants...), variant)
		} else {
			m.Variants = []Variant{variant}
		}
		m.CurrentVariant = len(m.Variants) - 1
		m.Content = variant.Content
		m.Images = variant.Images
		m.IsLoading = false
		m.IsError = false
		m.IsGeneratingImage = false
		m.ImagePrompt = ""
		settledCopy = m
		return m
	})

	if c.attempt == at {
		c.attempt = nil
	}

	if changed && !ev.Aborted {
		return true, &settledCopy
	}
	return changed, nil
}

func (c *Chat) failLocked(at *attempt, err error) bool {
	c.log.Warn("generation attempt failed", zap.Error(err))

	note := "unknown error"
	if err != nil {
		note = err.Error()
	}
	text := at.acc.String() + "\n\n[Error: " + note + "]"

	changed := c.replaceMessageLocked(at.targetID, func(m Message) Message {
		m.Content = text
		m.IsLoading = false
		m.IsError = true
		m.IsGeneratingImage = false
		return m
	})

	if c.attempt == at {
		c.attempt = nil
	}
	return changed
}

// adoptIdentityLocked learns the session id when the conversation had none,
// and corrects the slug when the backend assigned a canonical one. An
// already-assigned id is never replaced.
func (c *Chat) adoptIdentityLocked(id, slug string) bool {
	changed := false
	if c.session.ID == "" && id != "" {
		c.session.ID = id
		changed = true
	}
	if slug != "" && slug != c.session.Slug && (id == "" || id == c.session.ID) {
		c.session.Slug = slug
		changed = true
	}
	if !changed {
		return false
	}

	c.ids.Register(c.session.ID, c.session.Slug)
	if c.guestSave {
		c.ids.RememberCurrent(c.session.ID, c.session.Slug)
		c.ids.RememberGuestSession(c.session.ID)
	}
	return true
}

// --- helpers ---

func (c *Chat) ensureSessionLocked() {
	if c.session.ID != "" {
		return
	}
	id := uuid.NewString()
	slug := c.ids.SlugFor(id)
	c.session.ID = id
	c.session.Slug = slug
	c.session.IsOwner = true
	c.ids.Register(id, slug)
	if c.guestSave {
		c.ids.RememberCurrent(id, slug)
		c.ids.RememberGuestSession(id)
	}
}

func (c *Chat) indexOfLocked(id string) int {
	for i, m := range c.history {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// replaceMessageLocked swaps in a modified copy of the message with the given
// id, replacing the history slice so previously returned snapshots stay
// untouched.
func (c *Chat) replaceMessageLocked(id string, fn func(Message) Message) bool {
	for i, m := range c.history {
		if m.ID != id {
			continue
		}
		next := make([]Message, len(c.history))
		copy(next, c.history)
		next[i] = fn(m)
		c.history = next
		return true
	}
	return false
}

func (c *Chat) notifyChange() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Chat) modelFor(override string) string {
	if override != "" {
		return override
	}
	return c.model
}

// metaLocked builds the request metadata blob from conversation shape plus
// caller-provided extras.
func (c *Chat) metaLocked(extra map[string]interface{}) map[string]interface{} {
	depth := len(c.history)
	total := 0
	for _, m := range c.history {
		total += len(m.Content)
	}
	avg := 0
	if depth > 0 {
		avg = total / depth
	}

	meta := map[string]interface{}{
		"device_type":            "terminal",
		"local_hour":             time.Now().Hour(),
		"avg_conversation_depth": depth,
		"avg_message_length":     avg,
	}
	for k, v := range extra {
		meta[k] = v
	}
	return meta
}

func upsertWidget(widgets []Widget, w Widget) []Widget {
	out := make([]Widget, len(widgets))
	copy(out, widgets)
	for i, existing := range out {
		if existing.Tag == w.Tag {
			out[i] = w
			return out
		}
	}
	return append(out, w)
}

func uploadRefs(files []api.Upload) []FileRef {
	if len(files) == 0 {
		return nil
	}
	refs := make([]FileRef, len(files))
	for i, f := range files {
		refs[i] = FileRef{Name: f.Name, MimeType: f.MimeType}
	}
	return refs
}

func newMessageID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
