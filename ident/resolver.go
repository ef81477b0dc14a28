package ident

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/ask-cli/ask/store"
)

// Storage keys, kept stable across releases so existing guest state survives
// upgrades.
const (
	slugIndexKey     = "session_slug_index"
	sessionIDKey     = "session_id"
	sessionSlugKey   = "session_slug"
	guestSessionsKey = "guest_chat_history_ids"
	guestTokensKey   = "guest_chat_tokens"
)

// maxGuestSessions caps the most-recently-used guest session list.
const maxGuestSessions = 50

// Resolver maps session ids to slugs and back. The forward index
// (slug -> id) is cached in memory and mirrored to the KV store as JSON.
// Malformed persisted data is treated as empty and rebuilt on the next write.
type Resolver struct {
	kv  store.KV
	log *zap.Logger

	mu    sync.Mutex
	index map[string]string // slug -> session id
}

func NewResolver(kv store.KV, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resolver{kv: kv, log: log, index: make(map[string]string)}

	if raw, ok := kv.Get(slugIndexKey); ok {
		if err := json.Unmarshal([]byte(raw), &r.index); err != nil {
			r.log.Warn("discarding malformed slug index", zap.Error(err))
			r.index = make(map[string]string)
		}
	}
	return r
}

// Resolve maps a slug or id to a session id. Unknown inputs are assumed to
// already be ids; Resolve never fails.
func (r *Resolver) Resolve(slugOrID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.index[slugOrID]; ok {
		return id
	}
	return slugOrID
}

// SlugFor returns the registered slug for a session id, falling back to
// Slugify(id) when none was registered.
func (r *Resolver) SlugFor(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for slug, id := range r.index {
		if id == sessionID {
			return slug
		}
	}
	return Slugify(sessionID)
}

// Register records slug -> sessionID and mirrors the index to storage.
func (r *Resolver) Register(sessionID, slug string) {
	if sessionID == "" || slug == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index[slug] = sessionID
	r.saveIndexLocked()
}

func (r *Resolver) saveIndexLocked() {
	raw, err := json.Marshal(r.index)
	if err != nil {
		return
	}
	if err := r.kv.Set(slugIndexKey, string(raw)); err != nil {
		r.log.Warn("failed to save slug index", zap.Error(err))
	}
}

// RememberGuestSession moves sessionID to the front of the guest MRU list,
// trimming it to maxGuestSessions entries.
func (r *Resolver) RememberGuestSession(sessionID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.guestSessionsLocked()
	out := make([]string, 0, len(list)+1)
	out = append(out, sessionID)
	for _, id := range list {
		if id != sessionID {
			out = append(out, id)
		}
	}
	if len(out) > maxGuestSessions {
		out = out[:maxGuestSessions]
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := r.kv.Set(guestSessionsKey, string(raw)); err != nil {
		r.log.Warn("guest session storage error", zap.Error(err))
	}
}

// GuestSessions returns the remembered guest session ids, most recent first.
func (r *Resolver) GuestSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guestSessionsLocked()
}

func (r *Resolver) guestSessionsLocked() []string {
	raw, ok := r.kv.Get(guestSessionsKey)
	if !ok {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}

// RememberCurrent stores the active guest session id and slug so a later run
// can resume the same conversation.
func (r *Resolver) RememberCurrent(sessionID, slug string) {
	if sessionID != "" {
		r.kv.Set(sessionIDKey, sessionID)
	}
	if slug != "" {
		r.kv.Set(sessionSlugKey, slug)
	}
}

// Current returns the stored guest session id and slug, if any.
func (r *Resolver) Current() (id, slug string) {
	id, _ = r.kv.Get(sessionIDKey)
	slug, _ = r.kv.Get(sessionSlugKey)
	return id, slug
}

// SetGuestToken stores the bearer token the backend issued for a guest
// session. Tokens are kept per session id as a JSON object.
func (r *Resolver) SetGuestToken(sessionID, token string) {
	if sessionID == "" || token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens := r.guestTokensLocked()
	tokens[sessionID] = token
	raw, err := json.Marshal(tokens)
	if err != nil {
		return
	}
	if err := r.kv.Set(guestTokensKey, string(raw)); err != nil {
		r.log.Warn("guest token storage error", zap.Error(err))
	}
}

// GuestToken returns the stored bearer token for sessionID, or "".
func (r *Resolver) GuestToken(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guestTokensLocked()[sessionID]
}

// GuestTokens returns all stored guest tokens keyed by session id.
func (r *Resolver) GuestTokens() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guestTokensLocked()
}

func (r *Resolver) guestTokensLocked() map[string]string {
	tokens := make(map[string]string)
	raw, ok := r.kv.Get(guestTokensKey)
	if !ok {
		return tokens
	}
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return make(map[string]string)
	}
	return tokens
}
