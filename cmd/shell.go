package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pable/hs-deck-predict/internal/model"
	"github.com/pable/hs-deck-predict/internal/report"
	"github.com/pable/hs-deck-predict/internal/storage"
)

var (
	cPrompt   = color.New(color.FgCyan, color.Bold)
	cMuted    = color.New(color.Faint)
	cError    = color.New(color.FgRed, color.Bold)
	cWarn     = color.New(color.FgYellow)
	cHeader   = color.New(color.FgCyan, color.Bold)
	cCmd      = color.New(color.FgYellow, color.Bold)
	cGreeting = color.New(color.Bold)
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive REPL session",
	Long:  "Open a persistent session against the predictors and the diagnostics database. Type 'help' for available commands.",
	Args:  cobra.NoArgs,
	RunE:  runShell,
}

// shellSession connects to Redis only when a command needs the predictors.
type shellSession struct {
	ctx  context.Context
	diag *storage.DB
	env  *env
}

func (s *shellSession) predictors() (*env, error) {
	if s.env == nil {
		e, err := openEnv(s.ctx, nil)
		if err != nil {
			return nil, err
		}
		s.env = e
	}
	return s.env, nil
}

func (s *shellSession) close() {
	if s.env != nil {
		s.env.close()
	}
	s.diag.Close()
}

func runShell(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	diag, err := openDiagnostics(cfg.Diagnostics.DBPath)
	if err != nil {
		return err
	}
	s := &shellSession{ctx: context.Background(), diag: diag}
	defer s.close()

	cGreeting.Println("deckpredict shell")
	cMuted.Println("type 'help' or 'exit'")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		cPrompt.Print("deckpredict")
		cMuted.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		tokens := strings.Fields(line)
		cmd, args := tokens[0], tokens[1:]

		switch cmd {
		case "exit", "quit":
			return nil
		case "help":
			shellHelp()
		case "decks":
			s.decks()
		case "show":
			if len(args) != 1 {
				cError.Fprintln(os.Stderr, "usage: show <deck-id>")
				continue
			}
			s.show(args[0])
		case "predict":
			if len(args) < 3 {
				cError.Fprintln(os.Stderr, "usage: predict <class> <format> <cards> [plays]")
				continue
			}
			plays := ""
			if len(args) > 3 {
				plays = args[3]
			}
			s.predict(args[0], args[1], args[2], plays)
		case "stats":
			hours := 24
			if len(args) > 0 {
				if h, err := strconv.Atoi(args[0]); err == nil && h > 0 {
					hours = h
				}
			}
			s.stats(hours)
		case "sql":
			if len(args) == 0 {
				cError.Fprintln(os.Stderr, "usage: sql <query>")
				continue
			}
			s.sql(strings.Join(args, " "))
		default:
			cWarn.Fprintf(os.Stderr, "unknown command %q, type 'help'\n", cmd)
		}
	}
	return nil
}

func shellHelp() {
	fmt.Println()
	type entry struct{ cmd, desc string }
	rows := []entry{
		{"decks", "list registered decks"},
		{"show <deck-id>", "show a deck's cards"},
		{"predict <class> <format> <cards> [plays]", "run both predictors on a partial deck"},
		{"stats [hours]", "games and decks counted per class"},
		{"sql <query>", "query the diagnostics database"},
		{"help", "show this message"},
		{"exit / quit", "close the session"},
	}
	for _, r := range rows {
		fmt.Print("  ")
		cCmd.Printf("%-42s", r.cmd)
		fmt.Println(r.desc)
	}
	fmt.Println()
}

func shellErr(err error) {
	cError.Fprintf(os.Stderr, "error: %v\n", err)
}

func (s *shellSession) decks() {
	decks, err := s.diag.ListDecks()
	if err != nil {
		shellErr(err)
		return
	}
	if len(decks) == 0 {
		cMuted.Println("No decks registered yet.")
		return
	}
	report.PrintDecks(os.Stdout, decks)
}

func (s *shellSession) show(arg string) {
	id, err := model.ParseDeckID(arg)
	if err != nil {
		shellErr(err)
		return
	}
	deck, err := s.diag.DeckByID(s.ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		cWarn.Fprintf(os.Stderr, "no deck with id %d\n", id)
		return
	}
	if err != nil {
		shellErr(err)
		return
	}
	report.PrintDeck(os.Stdout, deck)
}

func (s *shellSession) predict(class, format, cardArg, playArg string) {
	f, c, err := parseScope(format, class)
	if err != nil {
		shellErr(err)
		return
	}
	cards, err := parseCards(cardArg)
	if err != nil {
		shellErr(err)
		return
	}
	plays, err := parsePlays(playArg)
	if err != nil {
		shellErr(err)
		return
	}
	e, err := s.predictors()
	if err != nil {
		shellErr(err)
		return
	}
	pred := e.orch.Predict(s.ctx, f, c, cards, plays)
	fmt.Println()
	cHeader.Fprintf(os.Stdout, "--- %s %s: %d cards, %d plays ---\n\n", f, c, cards.Total(), len(plays))
	report.PrintPrediction(os.Stdout, pred)
}

func (s *shellSession) stats(hours int) {
	e, err := s.predictors()
	if err != nil {
		shellErr(err)
		return
	}
	stats, err := e.orch.Stats(s.ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		shellErr(err)
		return
	}
	if len(stats) == 0 {
		cMuted.Printf("No games counted in the last %d hours.\n", hours)
		return
	}
	report.PrintStats(os.Stdout, stats)
}

func (s *shellSession) sql(query string) {
	cols, rows, err := s.diag.QueryRaw(query)
	if err != nil {
		shellErr(err)
		return
	}
	report.PrintRows(os.Stdout, cols, rows)
}
