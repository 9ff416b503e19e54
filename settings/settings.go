// Package settings holds the chat endpoint configuration. It is stored as
// YAML next to, but separate from, the notes and chat history.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

const (
	FileName = "settings.yaml"

	DefaultEndpoint     = "https://api.openai.com/v1"
	DefaultModel        = "gpt-4o-mini"
	DefaultMaxTokens    = 1024
	DefaultTemperature  = 0.7
	MaxHistoryTurns     = 20
	DefaultHistoryTurns = MaxHistoryTurns
)

const (
	envEndpoint = "VOICENOTES_CHAT_ENDPOINT"
	envAPIKey   = "VOICENOTES_CHAT_API_KEY"
	envModel    = "VOICENOTES_CHAT_MODEL"
)

type Settings struct {
	Endpoint     string  `yaml:"endpoint" validate:"required,url"`
	APIKey       string  `yaml:"api_key,omitempty"`
	Model        string  `yaml:"model" validate:"required"`
	MaxTokens    int     `yaml:"max_tokens" validate:"gte=1,lte=32768"`
	Temperature  float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	HistoryTurns int     `yaml:"history_turns" validate:"gte=1,lte=20"`

	// Language is passed to the transcriber; empty means auto-detect.
	Language string `yaml:"language,omitempty"`
	Device   string `yaml:"device,omitempty"`
}

var validate = newValidator()

// newValidator reports fields by their YAML key.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func Default() Settings {
	return Settings{
		Endpoint:     DefaultEndpoint,
		Model:        DefaultModel,
		MaxTokens:    DefaultMaxTokens,
		Temperature:  DefaultTemperature,
		HistoryTurns: DefaultHistoryTurns,
	}
}

// Configured reports whether the chat sidecar has what it needs to call
// the endpoint.
func (s Settings) Configured() bool {
	return s.Endpoint != "" && s.APIKey != "" && s.Model != ""
}

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			var msgs []string
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// DefaultPath is settings.yaml under the user config directory.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(base, "voicenotes", FileName), nil
}

// Load reads path, fills unset fields with defaults and applies the
// VOICENOTES_CHAT_* environment overrides. A missing file yields the
// defaults.
func Load(path string) (Settings, error) {
	s, err := readFile(path)
	if err != nil {
		return Settings{}, err
	}
	s = s.withEnv()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func readFile(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Settings{}, fmt.Errorf("reading settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		s = s.withDefaults()
	}
	return s, nil
}

// Update sets one field, named by its YAML key, in the file at path and
// saves it. Environment overrides are never written to the file.
func Update(path, key, value string) (Settings, error) {
	s, err := readFile(path)
	if err != nil {
		return Settings{}, err
	}
	if err := s.Set(key, value); err != nil {
		return Settings{}, err
	}
	if err := Save(path, s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Keys lists the settable fields in file order.
var Keys = []string{"endpoint", "api_key", "model", "max_tokens", "temperature", "history_turns", "language", "device"}

// Set parses value into the field whose YAML key is key.
func (s *Settings) Set(key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case "endpoint":
		s.Endpoint = value
	case "api_key":
		s.APIKey = value
	case "model":
		s.Model = value
	case "language":
		s.Language = value
	case "device":
		s.Device = value
	case "max_tokens", "history_turns":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: not a number: %q", key, value)
		}
		if key == "max_tokens" {
			s.MaxTokens = n
		} else {
			s.HistoryTurns = n
		}
	case "temperature":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s: not a number: %q", key, value)
		}
		s.Temperature = f
	default:
		return fmt.Errorf("unknown setting %q (one of %s)", key, strings.Join(Keys, ", "))
	}
	return nil
}

// Get formats the field whose YAML key is key, with the API key masked.
func (s Settings) Get(key string) (string, error) {
	switch key {
	case "endpoint":
		return s.Endpoint, nil
	case "api_key":
		return s.Masked(), nil
	case "model":
		return s.Model, nil
	case "max_tokens":
		return strconv.Itoa(s.MaxTokens), nil
	case "temperature":
		return strconv.FormatFloat(s.Temperature, 'g', -1, 64), nil
	case "history_turns":
		return strconv.Itoa(s.HistoryTurns), nil
	case "language":
		return s.Language, nil
	case "device":
		return s.Device, nil
	}
	return "", fmt.Errorf("unknown setting %q (one of %s)", key, strings.Join(Keys, ", "))
}

func (s Settings) withDefaults() Settings {
	d := Default()
	if strings.TrimSpace(s.Endpoint) == "" {
		s.Endpoint = d.Endpoint
	}
	if strings.TrimSpace(s.Model) == "" {
		s.Model = d.Model
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = d.MaxTokens
	}
	if s.HistoryTurns == 0 {
		s.HistoryTurns = d.HistoryTurns
	}
	return s
}

func (s Settings) withEnv() Settings {
	s.Endpoint = envOrDefault(envEndpoint, s.Endpoint)
	s.APIKey = envOrDefault(envAPIKey, s.APIKey)
	s.Model = envOrDefault(envModel, s.Model)
	return s
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Save validates s and writes it to path, replacing the old file in one
// rename. The file is private to the user since it holds the API key.
func Save(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// Masked returns the API key with all but the last four characters hidden.
func (s Settings) Masked() string {
	k := s.APIKey
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return strings.Repeat("*", len(k)-4) + k[len(k)-4:]
}
