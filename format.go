package main

import (
	"fmt"
	"strings"
	"sync"

	markdown "github.com/vlanse/go-term-markdown"

	"github.com/ask-cli/ask/engine"
)

// Rendering markdown is the slow part of every repaint, so rendered blocks
// are cached by content and width.
var markdownCache = struct {
	sync.Mutex
	cache map[string]string
}{cache: make(map[string]string)}

func renderMarkdownCached(content string, lineWidth, padding int) string {
	key := fmt.Sprintf("%s__%d__%d", content, lineWidth, padding)
	markdownCache.Lock()
	if cached, ok := markdownCache.cache[key]; ok {
		markdownCache.Unlock()
		return cached
	}
	markdownCache.Unlock()

	rendered := string(markdown.Render(content, lineWidth, padding))
	markdownCache.Lock()
	markdownCache.cache[key] = rendered
	markdownCache.Unlock()
	return rendered
}

// formatTranscript renders the conversation for the viewport. suffix (the
// spinner frame) is appended to the last message while one is streaming.
func formatTranscript(msgs []engine.Message, renderMarkdown bool, lineWidth, mdPadding int, suffix string) string {
	var ret strings.Builder

	for i, msg := range msgs {
		content := strings.TrimRight(msg.CurrentContent(), " \t\r\n")

		var annotations []string
		if len(msg.Variants) > 1 {
			annotations = append(annotations, fmt.Sprintf("variant %d/%d", msg.CurrentVariant+1, len(msg.Variants)))
		}
		if msg.IsGeneratingImage {
			note := "generating image"
			if msg.ImagePrompt != "" {
				note = "generating image: " + msg.ImagePrompt
			}
			annotations = append(annotations, note)
		}
		for _, f := range msg.Files {
			annotations = append(annotations, "attached: "+f.Name)
		}
		for _, img := range msg.CurrentImages() {
			annotations = append(annotations, "image: "+img)
		}

		if renderMarkdown && content != "" {
			content = renderMarkdownCached(content, lineWidth, mdPadding)
			content = strings.TrimRight(content, " \t\r\n")
		}

		sfx := ""
		if i == len(msgs)-1 && suffix != "" {
			sfx = suffix
		}

		fmt.Fprintf(&ret, "### %s:\n%s", roleLabel(msg), content)
		for _, a := range annotations {
			fmt.Fprintf(&ret, "\n_[%s]_", a)
		}
		fmt.Fprintf(&ret, "%s\n\n", sfx)
	}

	return ret.String()
}

// formatPlainTranscript renders the conversation without markdown, for
// clipboard export.
func formatPlainTranscript(msgs []engine.Message) string {
	var ret strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&ret, "%s:\n%s\n\n", roleLabel(msg), strings.TrimSpace(msg.CurrentContent()))
	}
	return ret.String()
}

func roleLabel(msg engine.Message) string {
	switch msg.Role {
	case engine.RoleUser:
		return "YOU"
	case engine.RoleModel:
		return "ASSISTANT"
	}
	return strings.ToUpper(string(msg.Role))
}
