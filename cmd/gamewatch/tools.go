package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/paths"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

func newResolveCommand(flags *globalFlags) *cobra.Command {
	var serviceID, userID, game, platform string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Expand the log directory templates for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			templates := paths.AllTemplates(cfg.Games)
			switch {
			case game != "" && platform != "":
				profile, ok := paths.Find(cfg.Games, game, platform)
				if !ok {
					return fmt.Errorf("no profile for game %q on platform %q", game, platform)
				}
				templates = profile.PathTemplates
			case game != "":
				var matched []paths.Profile
				for _, p := range cfg.Games {
					if p.Game == game {
						matched = append(matched, p)
					}
				}
				if len(matched) == 0 {
					return fmt.Errorf("no profile for game %q", game)
				}
				templates = paths.AllTemplates(matched)
			}

			res, err := paths.NewResolver(cfg.Monitor.PathRoots...).Resolve(templates, serviceID, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&serviceID, "service-id", "", "hosting service id")
	cmd.Flags().StringVar(&userID, "user-id", "", "hosting account user id")
	cmd.Flags().StringVar(&game, "game", "", "restrict to one game profile")
	cmd.Flags().StringVar(&platform, "platform", "", "restrict to one platform of the game")
	_ = cmd.MarkFlagRequired("service-id")
	return cmd
}

func newDetectCommand(flags *globalFlags) *cobra.Command {
	var game, platform string

	cmd := &cobra.Command{
		Use:   "detect <filename>...",
		Short: "Guess the game profile from log filenames",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			entries := make([]types.FileEntry, 0, len(args))
			for _, name := range args {
				entries = append(entries, types.FileEntry{Name: path.Base(name), Path: name})
			}
			det := paths.DetectGame(entries, paths.Hint{Game: game, Platform: platform}, cfg.Games)
			return printJSON(cmd.OutOrStdout(), det)
		},
	}
	cmd.Flags().StringVar(&game, "game", "", "preferred game when several profiles match")
	cmd.Flags().StringVar(&platform, "platform", "", "preferred platform when several profiles match")
	return cmd
}

type classified struct {
	Type  types.EventType `json:"type"`
	Event types.Event     `json:"event"`
}

func newClassifyCommand(flags *globalFlags) *cobra.Command {
	var game, serviceID string
	var system bool

	cmd := &cobra.Command{
		Use:   "classify [file]",
		Short: "Classify log lines from a file or stdin and print the events",
		Long: "Classify reads game log lines and prints one JSON event per recognized line.\n" +
			"With --system the input is JSON lines of provider service log entries.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			filename := "stdin"
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
				filename = path.Base(args[0])
			}

			out := cmd.OutOrStdout()
			if system {
				sc, err := parser.NewSystemClassifier(cfg.SystemLog)
				if err != nil {
					return err
				}
				return classifySystem(in, out, sc, serviceID)
			}

			if game == "" {
				game = cfg.Monitor.Game
			}
			lc := parser.NewLineClassifier(game)
			if a, ok := lc.(parser.Anchorable); ok {
				lc = a.At(time.Now())
			}
			return classifyLines(in, out, lc, serviceID, filename)
		},
	}
	cmd.Flags().StringVar(&game, "game", "", "game whose line formats to use")
	cmd.Flags().StringVar(&serviceID, "service-id", "local", "service id stamped on events")
	cmd.Flags().BoolVar(&system, "system", false, "input is provider service log entries")
	return cmd
}

func classifyLines(in io.Reader, out io.Writer, lc parser.LineClassifier, serviceID, filename string) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev := lc.Classify(scanner.Text(), serviceID, filename)
		if ev == nil {
			continue
		}
		if err := printJSON(out, classified{Type: ev.EventType(), Event: ev}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func classifySystem(in io.Reader, out io.Writer, sc *parser.SystemClassifier, serviceID string) error {
	var entries []types.SystemLogEntry
	dec := json.NewDecoder(in)
	for {
		var entry types.SystemLogEntry
		if err := dec.Decode(&entry); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("decode service log entry: %w", err)
		}
		entries = append(entries, entry)

		if ev := sc.Classify(entry, serviceID); ev != nil {
			if err := printJSON(out, classified{Type: ev.EventType(), Event: ev}); err != nil {
				return err
			}
		}
	}

	for _, issue := range sc.DetectIssues(entries) {
		ev := parser.IssueEvent(issue, serviceID, time.Now())
		if err := printJSON(out, classified{Type: ev.EventType(), Event: ev}); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
