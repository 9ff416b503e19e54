// Package notes persists voice notes as an ordered, newest-first collection.
package notes

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PlaceholderTitle = "Note sans titre"
	defaultTitleFmt  = "02/01/2006 15:04"
)

type Note struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	AudioData     []byte    `json:"audioData"`
	MimeType      string    `json:"mimeType"`
	Transcription string    `json:"transcription"`
	Duration      float64   `json:"duration"`
	CreatedAt     time.Time `json:"createdAt"`
}

func NewID() string { return uuid.NewString() }

// New builds a note with a fresh ID. A blank title becomes the placeholder.
func New(title string, audio []byte, mimeType, transcript string, duration time.Duration, createdAt time.Time) Note {
	return Note{
		ID:            NewID(),
		Title:         NormalizeTitle(title),
		AudioData:     audio,
		MimeType:      mimeType,
		Transcription: transcript,
		Duration:      max(0, duration.Seconds()),
		CreatedAt:     createdAt,
	}
}

func NormalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return PlaceholderTitle
	}
	return title
}

// DefaultTitle is the title proposed for a recording finished at t.
func DefaultTitle(t time.Time) string {
	return "Note du " + t.Format(defaultTitleFmt)
}

func (n Note) Length() time.Duration {
	return time.Duration(n.Duration * float64(time.Second))
}

func (n Note) HasTranscript() bool {
	return strings.TrimSpace(n.Transcription) != ""
}
