package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"voicenotes/chat"
	"voicenotes/doctor"
	"voicenotes/log"
	"voicenotes/notes"
	"voicenotes/playback"
	"voicenotes/settings"
	"voicenotes/shutdown"
)

var listCmd = &cobra.Command{
	Use:   "list [query]",
	Short: "List saved notes, newest first",
	Long: `List saved notes, newest first. With a query, only notes whose title
contains it (ignoring case) are listed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openDataStore()
		if err != nil {
			return err
		}
		defer store.Close()

		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		ns, err := store.Search(query)
		if err != nil {
			return err
		}
		return printNotes(cmd.OutOrStdout(), ns, time.Now())
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <note> [dir]",
	Short: "Write a note's audio to a file",
	Long: `Write a note's audio to <dir>/<title>.flac (default: current directory).
<note> is a note ID, an ID prefix, or its position in 'voicenotes list'.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openDataStore()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := findNote(store, args[0])
		if err != nil {
			return err
		}
		dir := "."
		if len(args) == 2 {
			dir = args[1]
		}
		path, err := notes.Export(n, dir)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove <note>",
	Aliases: []string{"rm"},
	Short:   "Delete a note",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openDataStore()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := findNote(store, args[0])
		if err != nil {
			return err
		}
		if err := store.Remove(n.ID); err != nil {
			return err
		}
		log.NoteRemoved(n.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %q\n", n.Title)
		return nil
	},
}

var chatClear bool

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Ask the chat model about your notes",
	Long: `Ask the chat model about your notes. With a message, send it and print the
reply. Without one, read messages from stdin, one per line.

The endpoint, API key and model come from the settings file, or from
VOICENOTES_CHAT_ENDPOINT, VOICENOTES_CHAT_API_KEY and VOICENOTES_CHAT_MODEL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, dir, err := openDataStore()
		if err != nil {
			return err
		}
		defer store.Close()
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}
		history := openHistory(dir)
		defer history.Close()

		sc := chat.New(store, history, func() settings.Settings { return cfg })
		if chatClear {
			if err := sc.Clear(); err != nil {
				return err
			}
			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Chat history cleared")
				return nil
			}
		}

		ctx, stop := shutdown.Context(context.Background())
		defer stop()

		if len(args) > 0 {
			return chatOnce(ctx, sc, strings.Join(args, " "), cmd.OutOrStdout())
		}
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := chatOnce(ctx, sc, line, cmd.OutOrStdout()); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
			}
			if ctx.Err() != nil {
				return nil
			}
		}
		return scanner.Err()
	},
}

func chatOnce(ctx context.Context, sc *chat.Sidecar, text string, out io.Writer) error {
	reply, err := sc.Send(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, reply.Content)
	return nil
}

var errChecksFailed = errors.New("some checks failed")

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run interactive system diagnostics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openDataStore()
		if err != nil {
			return err
		}
		defer store.Close()
		cfg, _, err := loadSettings()
		if err != nil {
			return err
		}
		if code := doctor.Run(doctor.Options{Store: store, Settings: cfg, Device: cfg.Device}); code != 0 {
			return errChecksFailed
		}
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the chat and recording settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadSettings()
		if err != nil {
			return err
		}
		return printSettings(cmd.OutOrStdout(), cfg, path)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Long: `Change one setting in the settings file. A running voicenotes picks the
change up without restarting.

Keys: ` + strings.Join(settings.Keys, ", "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := settingsPath()
		if err != nil {
			return err
		}
		s, err := settings.Update(path, args[0], args[1])
		if err != nil {
			return err
		}
		v, _ := s.Get(args[0])
		log.Infof("settings: %s updated in %s", args[0], path)
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], v)
		return nil
	},
}

func printSettings(w io.Writer, s settings.Settings, path string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "file\t%s\n", path)
	for _, key := range settings.Keys {
		v, _ := s.Get(key)
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\n", key, v)
	}
	return tw.Flush()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and exit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "voicenotes %s\n", version)
	},
}

func init() {
	chatCmd.Flags().BoolVar(&chatClear, "clear", false, "clear the chat history first")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(doctorCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(versionCmd)
}

func printNotes(w io.Writer, ns []notes.Note, now time.Time) error {
	if len(ns) == 0 {
		_, err := fmt.Fprintln(w, "No notes.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tRECORDED\tLENGTH\tTITLE\tTRANSCRIPT")
	for i, n := range ns {
		transcript := "-"
		if n.HasTranscript() {
			transcript = truncate(strings.Join(strings.Fields(n.Transcription), " "), 40)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			i+1, shortID(n.ID), notes.FormatAge(n.CreatedAt, now), playback.FormatClock(n.Length()), n.Title, transcript)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// findNote resolves ref as a full ID, a unique ID prefix, or a 1-based
// position in store order.
func findNote(store notes.Store, ref string) (notes.Note, error) {
	ns, err := store.List()
	if err != nil {
		return notes.Note{}, err
	}
	if i, err := strconv.Atoi(ref); err == nil && i >= 1 && i <= len(ns) && len(ref) < 8 {
		return ns[i-1], nil
	}
	var match []notes.Note
	for _, n := range ns {
		if n.ID == ref {
			return n, nil
		}
		if strings.HasPrefix(n.ID, ref) {
			match = append(match, n)
		}
	}
	switch len(match) {
	case 0:
		return notes.Note{}, fmt.Errorf("%w: %s", notes.ErrNotFound, ref)
	case 1:
		return match[0], nil
	}
	return notes.Note{}, fmt.Errorf("%q matches %d notes, use a longer prefix", ref, len(match))
}
