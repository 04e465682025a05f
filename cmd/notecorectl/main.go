// Command notecorectl is the notecore operator CLI. It opens the same
// persistence core notecored runs (against the same notes root and data
// directory) for point-in-time inspection and maintenance: status
// reporting, a forced projection rebuild, and an interactive shell for
// ad-hoc tree/tag/search queries.
//
// Usage:
//
//	notecorectl status [--notes-root <dir>]
//	notecorectl reindex [--notes-root <dir>]
//	notecorectl inspect [--notes-root <dir>]
//
// Commands (in the inspect REPL):
//
//	tree [parent-id]        List tree nodes under parent (root if omitted)
//	tags                    List tag vocabulary with usage counts
//	search <query>          Run a full-text search query
//	status                  Show core status
//	help                    Show this help
//	exit / quit / q         Exit
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/arlojensen/notecore/internal/config"
	"github.com/arlojensen/notecore/internal/noteapp"
	"github.com/arlojensen/notecore/internal/search"
)

func main() {
	os.Exit(run(os.Args[1:], os.Environ()))
}

func run(args, environ []string) int {
	if len(args) == 0 {
		printUsage()

		return 1
	}

	subcommand := args[0]

	fs := pflag.NewFlagSet("notecorectl", pflag.ContinueOnError)

	var notesRoot string

	fs.StringVar(&notesRoot, "notes-root", "", "override notes_root_path from config")

	err := fs.Parse(args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "notecorectl:", err)

		return 1
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "notecorectl:", err)

		return 1
	}

	overrides := config.Overrides{NotesRootPath: notesRoot, HasNotesRoot: notesRoot != ""}

	cfg, _, err := config.Load(workDir, "", overrides, environ)
	if err != nil {
		fmt.Fprintln(os.Stderr, "notecorectl: failed to load configuration:", err)

		return 1
	}

	ctx := context.Background()

	app, err := noteapp.Open(ctx, cfg, noteapp.Deps{DesktopDir: os.TempDir()})
	if err != nil {
		fmt.Fprintln(os.Stderr, "notecorectl: failed to open core:", err)

		return 1
	}
	defer app.Shutdown(ctx)

	switch subcommand {
	case "status":
		printStatus(app)

		return 0
	case "reindex":
		err := app.Reindex(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "notecorectl: reindex failed:", err)

			return 1
		}

		fmt.Println("reindex complete")

		return 0
	case "inspect":
		repl := &REPL{app: app}

		err := repl.Run()
		if err != nil {
			fmt.Fprintln(os.Stderr, "notecorectl:", err)

			return 1
		}

		return 0
	default:
		printUsage()

		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: notecorectl <status|reindex|inspect> [--notes-root <dir>]")
}

func printStatus(app *noteapp.App) {
	status := app.GetStatus()

	fmt.Printf("save: attempted=%d succeeded=%d failed=%d coalesced=%d retries=%d\n",
		status.SaveStats.Attempted, status.SaveStats.Succeeded, status.SaveStats.Failed,
		status.SaveStats.Coalesced, status.SaveStats.RetriesIssued)

	fmt.Printf("event store: current_position=%d\n", status.CurrentStreamPos)

	for _, p := range status.ProjectionStatuses {
		fmt.Printf("projection %-12s last=%-8d current=%-8d lag=%-6d up_to_date=%v\n",
			p.Name, p.Last, p.Current, p.Lag, p.UpToDate)
	}
}

// REPL is the interactive inspect shell.
type REPL struct {
	app   *noteapp.App
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".notecorectl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("notecorectl inspect - type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("notecorectl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			r.saveHistory()

			return nil
		case "help", "?":
			r.printHelp()
		case "tree":
			r.cmdTree(args)
		case "tags":
			r.cmdTags()
		case "search":
			r.cmdSearch(args)
		case "status":
			printStatus(r.app)
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{"tree", "tags", "search", "status", "help", "exit", "quit", "q"}

	var completions []string

	lower := strings.ToLower(line)

	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  tree [parent-id]        List tree nodes under parent (root if omitted)")
	fmt.Println("  tags                    List tag vocabulary with usage counts")
	fmt.Println("  search <query>          Run a full-text search query")
	fmt.Println("  status                  Show core status")
	fmt.Println("  help                    Show this help")
	fmt.Println("  exit / quit / q         Exit")
}

func (r *REPL) cmdTree(args []string) {
	parentID := ""
	if len(args) > 0 {
		parentID = args[0]
	}

	nodes, err := r.app.Tree().Children(parentID)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	if len(nodes) == 0 {
		fmt.Println("(empty)")

		return
	}

	for _, n := range nodes {
		pin := ""
		if n.IsPinned {
			pin = " [pinned]"
		}

		fmt.Printf("%-36s %-10s %s%s\n", n.ID, n.NodeType, n.DisplayPath, pin)
	}
}

func (r *REPL) cmdTags() {
	vocab, err := r.app.Tags().Vocabulary()
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	if len(vocab) == 0 {
		fmt.Println("(empty)")

		return
	}

	for _, t := range vocab {
		fmt.Printf("%-24s usage=%d\n", t.Tag, t.UsageCount)
	}
}

func (r *REPL) cmdSearch(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: search <query>")

		return
	}

	query := strings.Join(args, " ")

	limit := 20
	if n, err := strconv.Atoi(args[len(args)-1]); err == nil {
		limit = n
		query = strings.Join(args[:len(args)-1], " ")
	}

	results, err := r.app.Search().Search(context.Background(), query, search.Options{Limit: limit})
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	if len(results) == 0 {
		fmt.Println("(no results)")

		return
	}

	for _, res := range results {
		fmt.Printf("%-8.3f %-30s %s\n", res.Score, res.Title, res.Preview)
	}
}
