package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"voicenotes/audio"
	"voicenotes/beep"
	"voicenotes/log"
	"voicenotes/notes"
	"voicenotes/settings"
	"voicenotes/shutdown"
)

var version = "dev"

const (
	storeFile   = "file"
	storeBadger = "badger"
)

var (
	logPathFlag  string
	dataDirFlag  string
	storeFlag    string
	deviceFlag   string
	setupFlag    bool
	langFlag     string
	testFlag     string
	profileFlag  string
	settingsFlag string
)

var rootCmd = &cobra.Command{
	Use:   "voicenotes",
	Short: "Record, transcribe and replay voice notes",
	Long: `voicenotes - record voice notes from the terminal.

Press space to start and stop a recording, name it, and it is kept with its
transcript. Notes can be replayed, searched, exported and discussed with a
chat model.

Transcription uses the first provider with a key set:
  DEEPGRAM_API_KEY   streaming, live transcript while recording
  GROQ_API_KEY       batch, transcript when recording stops
  OPENAI_API_KEY     batch

Chat settings live in settings.yaml in the config directory and are reloaded
when the file changes.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
	RunE: func(cmd *cobra.Command, args []string) error {
		if testFlag != "" {
			return runTestMode(testFlag)
		}
		return runTUI()
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&logPathFlag, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	f.StringVar(&dataDirFlag, "data", "", "directory for notes and chat history (default: OS-specific location)")
	f.StringVar(&storeFlag, "store", storeFile, "note store backend: file or badger")
	f.StringVar(&deviceFlag, "device", "", "use named microphone device")
	f.BoolVar(&setupFlag, "setup", false, "select microphone device (otherwise uses system default)")
	f.StringVar(&langFlag, "lang", "", "language code for transcription (e.g., en, fr). Empty = auto-detect")
	f.StringVar(&settingsFlag, "settings", "", "chat settings file (default: settings.yaml in the config directory)")
	rootCmd.Flags().StringVar(&testFlag, "test", "", "headless stdin-driven mode, using the given WAV file as the microphone")
	rootCmd.Flags().StringVar(&profileFlag, "profile", "", "enable pprof profiling server (e.g., localhost:6060)")
}

func main() {
	err := rootCmd.Execute()
	log.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	logPath, err := log.ResolveDir(logPathFlag)
	if err != nil {
		return fmt.Errorf("failed to resolve log directory: %w", err)
	}
	log.SetDir(logPath)

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
		return nil
	}
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	if crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", profileFlag)
			if err := http.ListenAndServe(profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}
	return nil
}

// dataDir resolves --data, falling back to the platform data directory.
func dataDir() (string, error) {
	if dataDirFlag != "" {
		return filepath.Abs(dataDirFlag)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "voicenotes"), nil
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(base, "voicenotes", "data"), nil
	}
	xdgData := os.Getenv("XDG_DATA_HOME")
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(xdgData, "voicenotes"), nil
}

func openStore(kind, dir string) (notes.Store, error) {
	switch kind {
	case storeFile:
		return notes.NewFileStore(filepath.Join(dir, notes.FileName))
	case storeBadger:
		return notes.NewBadgerStore(notes.BadgerOptions{Dir: filepath.Join(dir, "badger")})
	}
	return nil, fmt.Errorf("unknown store %q (use %s or %s)", kind, storeFile, storeBadger)
}

func openDataStore() (notes.Store, string, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve data directory: %w", err)
	}
	store, err := openStore(storeFlag, dir)
	if err != nil {
		return nil, "", err
	}
	return store, dir, nil
}

func settingsPath() (string, error) {
	if settingsFlag != "" {
		return filepath.Abs(settingsFlag)
	}
	return settings.DefaultPath()
}

// loadSettings reads the chat settings. A file given explicitly with
// --settings must be valid; the default file falls back to defaults.
func loadSettings() (settings.Settings, string, error) {
	path, err := settingsPath()
	if err != nil {
		return settings.Default(), "", err
	}
	s, err := settings.Load(path)
	if err != nil {
		if settingsFlag != "" {
			return s, path, err
		}
		log.Warnf("settings: %v, using defaults", err)
		s = settings.Default()
	}
	if langFlag != "" {
		s.Language = langFlag
	}
	if deviceFlag != "" {
		s.Device = deviceFlag
	}
	return s, path, nil
}

func storeLabel(store notes.Store) string {
	if s, ok := store.(fmt.Stringer); ok {
		return s.String()
	}
	return storeFlag
}

func runTUI() error {
	store, dir, err := openDataStore()
	if err != nil {
		return err
	}
	cfg, path, err := loadSettings()
	if err != nil {
		store.Close()
		return err
	}
	tr, err := newTranscriber()
	if err != nil {
		store.Close()
		return err
	}

	actx, err := audio.NewContext()
	if err != nil {
		store.Close()
		log.Errorf("audio context init error: %v", err)
		return fmt.Errorf("initializing audio: %w", err)
	}
	defer actx.Close()

	watcher := settings.NewWatcher(path, cfg)
	os.MkdirAll(filepath.Dir(path), 0755)
	if err := watcher.Start(); err != nil {
		log.Warnf("settings hot reload disabled: %v", err)
	}

	a := &app{
		audio:       actx,
		device:      resolveDevice(actx, cfg.Device),
		store:       store,
		transcriber: tr,
		history:     openHistory(dir),
		settings:    watcher,
		cues:        beep.New(actx),
		exportDir:   filepath.Join(dir, "exports"),
	}
	defer a.close()

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	p := tea.NewProgram(newTUIModel(a), tea.WithAltScreen())
	sink := programSink{p: p}
	a.start(ctx, sinks{session: sink, playback: sink, frames: sink})
	watcher.OnChange(sink.SettingsChanged)

	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err = p.Run()
	if err != nil {
		log.Errorf("TUI error: %v", err)
	}
	stop()
	a.wait()
	return err
}
