package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"os"
	"strings"
	"time"
)

// terminalSupportsImages reports whether the terminal understands the iTerm2
// inline image protocol (iTerm2, WezTerm, Kitty, recent Alacritty).
func terminalSupportsImages() bool {
	term := strings.ToLower(os.Getenv("TERM"))
	termProg := strings.ToLower(os.Getenv("TERM_PROGRAM"))

	if os.Getenv("ITERM_SESSION_ID") != "" || strings.Contains(termProg, "iterm") {
		return true
	}
	if strings.Contains(termProg, "wezterm") || strings.Contains(term, "wezterm") {
		return true
	}
	if strings.Contains(term, "kitty") || strings.Contains(term, "alacritty") {
		return true
	}
	return false
}

// showGeneratedImages prints reply images inline when the terminal supports
// it, or just lists their paths otherwise. Image paths are relative to the
// backend. Failures are non-fatal; the image path is still printed.
func showGeneratedImages(base string, urls []string) {
	if len(urls) == 0 {
		return
	}
	inline := terminalSupportsImages() && is_interactive(os.Stdout.Fd())
	for _, u := range urls {
		full := u
		if strings.HasPrefix(full, "/") {
			full = strings.TrimSuffix(base, "/") + full
		}
		if inline {
			if err := displayImageInline(full, 400); err == nil {
				continue
			}
		}
		fmt.Println("[image]", full)
	}
}

// displayImageInline fetches an image and prints it via the iTerm2 OSC 1337
// escape, downscaling to maxHeight pixels.
func displayImageInline(url string, maxHeight int) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetch image: HTTP %d", resp.StatusCode)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return fmt.Errorf("image decode error: %w", err)
	}

	bounds := img.Bounds()
	if h := bounds.Dy(); h > maxHeight {
		w := bounds.Dx()
		newHeight := maxHeight
		newWidth := int(float64(newHeight) * float64(w) / float64(h))

		// Nearest neighbor keeps this dependency-free and fast enough for a
		// one-off preview.
		scaled := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		for y := 0; y < newHeight; y++ {
			for x := 0; x < newWidth; x++ {
				scaled.Set(x, y, img.At(x*w/newWidth, y*h/newHeight))
			}
		}
		img = scaled
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("png encode error: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	_, err = fmt.Fprintf(os.Stdout, "\033]1337;File=name=%s;size=%d;inline=1:%s\a\n", "reply.png", len(encoded), encoded)
	return err
}
