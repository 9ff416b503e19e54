package chat

import (
	"fmt"
	"strings"

	"voicenotes/notes"
)

const UnavailableMarker = "(transcription unavailable)"

const instructions = `You are an assistant that helps the user work with their voice notes.
Answer using the notes below. Refer to notes by title. If the notes do not
contain the answer, say so.`

// BuildContext lists every note with its title, timestamp, duration and
// transcript, in store order.
func BuildContext(ns []notes.Note) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Voice notes (%d):\n", len(ns))
	for i, n := range ns {
		transcript := strings.TrimSpace(n.Transcription)
		if transcript == "" {
			transcript = UnavailableMarker
		}
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, n.Title)
		fmt.Fprintf(&b, "   Recorded: %s\n", n.CreatedAt.Local().Format("2006-01-02 15:04"))
		fmt.Fprintf(&b, "   Duration: %.1fs\n", n.Duration)
		fmt.Fprintf(&b, "   Transcript: %s\n", transcript)
	}
	return b.String()
}

func systemPrompt(ns []notes.Note) string {
	return instructions + "\n\n" + BuildContext(ns)
}
