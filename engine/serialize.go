package engine

import (
	"strings"

	"github.com/ask-cli/ask/api"
)

// Serialize projects messages strictly before upto into the role/parts shape
// the backend consumes as conversation context.
//
// Messages still loading are skipped. User turns emit a text part (when
// non-empty after trimming) followed by one part per file and per image, all
// by reference. Model turns resolve content and images through the selected
// variant. Turns that end up with zero parts are omitted entirely; the
// backend rejects empty turns.
func Serialize(messages []Message, upto int) []api.Turn {
	if upto < 0 {
		upto = 0
	} else if upto > len(messages) {
		upto = len(messages)
	}

	turns := make([]api.Turn, 0, upto)
	for _, msg := range messages[:upto] {
		if msg.IsLoading {
			continue
		}

		var parts []api.Part

		switch msg.Role {
		case RoleUser:
			if text := strings.TrimSpace(msg.Content); text != "" {
				parts = append(parts, api.Part{Text: msg.Content})
			}
			for _, f := range msg.Files {
				parts = append(parts, api.Part{File: &api.FileRef{
					URLPath:      f.URLPath,
					MimeType:     f.MimeType,
					OriginalName: f.Name,
				}})
			}
			for _, img := range msg.Images {
				parts = append(parts, api.Part{Image: &api.ImageRef{URLPath: img}})
			}

		case RoleModel:
			if text := strings.TrimSpace(msg.CurrentContent()); text != "" {
				parts = append(parts, api.Part{Text: msg.CurrentContent()})
			}
			for _, img := range msg.CurrentImages() {
				parts = append(parts, api.Part{Image: &api.ImageRef{URLPath: img}})
			}
		}

		if len(parts) == 0 {
			continue
		}
		turns = append(turns, api.Turn{Role: string(msg.Role), Parts: parts})
	}
	return turns
}
