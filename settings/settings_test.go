package settings

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Setenv(envEndpoint, "")
	t.Setenv(envAPIKey, "")
	t.Setenv(envModel, "")
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)
	s, err := Load(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
	assert.False(t, s.Configured())
}

func TestSaveLoadKeepsValues(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", FileName)
	want := Settings{
		Endpoint:     "https://llm.example.com/v1",
		APIKey:       "sk-test-1234",
		Model:        "small",
		MaxTokens:    256,
		Temperature:  0.2,
		HistoryTurns: 8,
		Language:     "fr",
	}
	require.NoError(t, Save(path, want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.Configured())
}

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("api_key: abc\n"), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", s.APIKey)
	assert.Equal(t, DefaultEndpoint, s.Endpoint)
	assert.Equal(t, DefaultModel, s.Model)
	assert.Equal(t, DefaultMaxTokens, s.MaxTokens)
	assert.Equal(t, DefaultHistoryTurns, s.HistoryTurns)
	assert.Equal(t, DefaultTemperature, s.Temperature)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("model: from-file\napi_key: file-key\n"), 0o600))
	t.Setenv(envEndpoint, "")
	t.Setenv(envModel, "from-env")
	t.Setenv(envAPIKey, "env-key")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", s.Model)
	assert.Equal(t, "env-key", s.APIKey)
}

func TestValidation(t *testing.T) {
	clearEnv(t)
	for name, mutate := range map[string]func(*Settings){
		"bad url":        func(s *Settings) { s.Endpoint = "not a url" },
		"too many turns": func(s *Settings) { s.HistoryTurns = MaxHistoryTurns + 1 },
		"hot":            func(s *Settings) { s.Temperature = 3 },
		"no tokens":      func(s *Settings) { s.MaxTokens = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			s := Default()
			mutate(&s)
			assert.Error(t, s.Validate())
			assert.Error(t, Save(filepath.Join(t.TempDir(), FileName), s))
		})
	}

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("history_turns: 50\n"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "history_turns")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("endpoint: [unclosed\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestMasked(t *testing.T) {
	assert.Equal(t, "********5678", Settings{APIKey: "sk-a12345678"}.Masked())
	assert.Equal(t, "***", Settings{APIKey: "abc"}.Masked())
}

func TestWatcherReloadsOnSave(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	initial := Default()
	require.NoError(t, Save(path, initial))

	w := NewWatcher(path, initial)
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	var mu sync.Mutex
	var got []Settings
	w.OnChange(func(s Settings) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	updated := initial
	updated.Model = "bigger"
	require.NoError(t, Save(path, updated))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].Model == "bigger"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "bigger", w.Current().Model)
}

func TestWatcherKeepsLastGoodOnInvalidEdit(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	initial := Default()
	require.NoError(t, Save(path, initial))

	w := NewWatcher(path, initial)
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("temperature: 9\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, initial, w.Current())
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), FileName), Default())
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}

func TestUpdateWritesOneKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)

	s, err := Update(path, "model", "tiny")
	require.NoError(t, err)
	assert.Equal(t, "tiny", s.Model)

	s, err = Update(path, "temperature", "0.3")
	require.NoError(t, err)
	assert.Equal(t, "tiny", s.Model)
	assert.InDelta(t, 0.3, s.Temperature, 1e-9)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestUpdateDoesNotPersistEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envAPIKey, "sk-from-env")
	path := filepath.Join(t.TempDir(), FileName)

	_, err := Update(path, "model", "tiny")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-from-env")
}

func TestUpdateRejectsInvalid(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)

	_, err := Update(path, "colour", "blue")
	assert.ErrorContains(t, err, "unknown setting")
	_, err = Update(path, "max_tokens", "lots")
	assert.ErrorContains(t, err, "not a number")
	_, err = Update(path, "temperature", "9")
	assert.ErrorContains(t, err, "temperature")

	_, statErr := os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist, "rejected values must not create the file")
}

func TestGetMasksKey(t *testing.T) {
	s := Default()
	require.NoError(t, s.Set("api_key", "sk-a12345678"))
	for _, key := range Keys {
		_, err := s.Get(key)
		assert.NoError(t, err, key)
	}
	v, _ := s.Get("api_key")
	assert.Equal(t, "********5678", v)
	v, _ = s.Get("max_tokens")
	assert.Equal(t, "1024", v)
}

func TestWatcherSeesUpdate(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, Save(path, Default()))

	w := NewWatcher(path, Default())
	w.debounce = 10 * time.Millisecond
	require.NoError(t, w.Start())
	defer w.Stop()

	changed := make(chan Settings, 4)
	w.OnChange(func(s Settings) { changed <- s })

	_, err := Update(path, "language", "de")
	require.NoError(t, err)

	select {
	case s := <-changed:
		assert.Equal(t, "de", s.Language)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the update")
	}
}
