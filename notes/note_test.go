package notes

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNormalizesTitle(t *testing.T) {
	n := New("   ", nil, "audio/flac", "", 1500*time.Millisecond, time.Now())
	assert.Equal(t, PlaceholderTitle, n.Title)
	assert.NotEmpty(t, n.ID)
	assert.InDelta(t, 1.5, n.Duration, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, n.Length())

	other := New(" Idea ", nil, "audio/flac", "", 0, time.Now())
	assert.Equal(t, "Idea", other.Title)
	assert.NotEqual(t, n.ID, other.ID)
}

func TestDefaultTitle(t *testing.T) {
	at := time.Date(2024, 7, 9, 8, 5, 0, 0, time.UTC)
	assert.Equal(t, "Note du 09/07/2024 08:05", DefaultTitle(at))
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2024, 7, 9, 12, 0, 0, 0, time.UTC)
	for _, tt := range []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5 min ago"},
		{3 * time.Hour, "3 h ago"},
		{30 * time.Hour, "yesterday"},
		{4 * 24 * time.Hour, "4 days ago"},
		{30 * 24 * time.Hour, "09 Jun 2024"},
	} {
		assert.Equal(t, tt.want, FormatAge(now.Add(-tt.ago), now), "ago=%v", tt.ago)
	}
}

func TestExportWritesUniqueFiles(t *testing.T) {
	dir := t.TempDir()
	n := New("Plan: week 3/4", []byte("fLaC"), "audio/flac", "", time.Second, time.Now())

	first, err := Export(n, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Plan_ week 3_4.flac"), first)

	second, err := Export(n, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Plan_ week 3_4 (2).flac"), second)

	data, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, []byte("fLaC"), data)
}

func TestExportWithoutAudioFails(t *testing.T) {
	_, err := Export(Note{ID: "x", Title: "empty"}, t.TempDir())
	assert.Error(t, err)
}
