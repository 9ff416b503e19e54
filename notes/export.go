package notes

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

var extensions = map[string]string{
	"audio/flac": ".flac",
	"audio/wav":  ".wav",
	"audio/webm": ".webm",
}

// Export writes the note's audio to dir as "<title>.<ext>" and returns the
// path. An existing file is never overwritten; a numeric suffix is added.
func Export(n Note, dir string) (string, error) {
	if len(n.AudioData) == 0 {
		return "", fmt.Errorf("note %s has no audio", n.ID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	ext, ok := extensions[n.MimeType]
	if !ok {
		ext = ".flac"
	}
	base := SanitizeFilename(n.Title)
	if base == "" {
		base = n.ID
	}

	for i := 1; ; i++ {
		name := base + ext
		if i > 1 {
			name = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(n.AudioData); err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
		return path, f.Close()
	}
}

// SanitizeFilename keeps letters, digits, spaces, dashes and underscores and
// replaces everything else with an underscore.
func SanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), " ")
}
