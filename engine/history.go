package engine

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/ask-cli/ask/api"
)

// Older backends inlined uploaded file contents into the stored text between
// these markers. They are display noise and are stripped on load.
var (
	fileBlockRe  = regexp.MustCompile(`(?is)---\s*File:.*?---\s*End\s*File\s*---`)
	binaryFileRe = regexp.MustCompile(`(?i)\[Binary\s+file:[^\]]*\]`)
)

// normalizeHistory converts stored messages into the in-memory shape. Model
// turns get their persisted content wrapped as the sole variant so the
// variant machinery applies uniformly.
func normalizeHistory(stored []api.StoredMessage) []Message {
	msgs := make([]Message, 0, len(stored))
	for _, sm := range stored {
		role := RoleUser
		if sm.Role == string(RoleModel) {
			role = RoleModel
		}

		var (
			text   string
			images []string
			files  []FileRef
		)
		for _, p := range sm.Parts {
			switch {
			case p.Text != "":
				if text == "" {
					text = cleanStoredText(p.Text)
				}
			case p.Image != nil:
				images = append(images, p.Image.URLPath)
			case p.File != nil:
				files = append(files, FileRef{
					URLPath:  p.File.URLPath,
					MimeType: p.File.MimeType,
					Name:     p.File.OriginalName,
					Size:     p.File.Size,
				})
			}
		}

		id := sm.ID
		if id == "" {
			id = newMessageID(string(role))
		}

		msg := Message{
			ID:        id,
			Role:      role,
			Content:   text,
			Images:    images,
			Files:     files,
			Timestamp: storedTime(sm.Timestamp),
		}
		if role == RoleModel && (text != "" || len(images) > 0) {
			msg.Variants = []Variant{{Content: text, Images: images}}
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// cleanStoredText strips attachment leftovers from persisted message text:
// inlined file blocks, binary-file markers, and text parts that are really a
// serialized attachment descriptor.
func cleanStoredText(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		var blob map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &blob); err == nil {
			if _, ok := blob["url_path"]; ok {
				return ""
			}
			if _, ok := blob["original_name"]; ok {
				return ""
			}
			if _, ok := blob["mime_type"]; ok {
				return ""
			}
		}
	}

	cleaned := fileBlockRe.ReplaceAllString(text, "")
	cleaned = binaryFileRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

func storedTime(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
