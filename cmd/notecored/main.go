// Command notecored is the notecore persistence daemon: it loads
// configuration, runs startup recovery, wires the save pipeline and the
// event-sourced projections into a running core, and shuts the core
// down in the spec's mandated order on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/arlojensen/notecore/internal/config"
	"github.com/arlojensen/notecore/internal/noteapp"
	"github.com/arlojensen/notecore/internal/notelog"
)

// shutdownGrace bounds how long the final shutdown sequence (save
// coordinator dispose, force-save, checkpoint) is allowed to take before
// the process exits regardless.
const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Environ()))
}

func run(args, environ []string) int {
	log := notelog.New("notecored")

	var (
		notesRoot  string
		configPath string
		desktopDir string
	)

	fs := pflag.NewFlagSet("notecored", pflag.ContinueOnError)
	fs.StringVar(&notesRoot, "notes-root", "", "override notes_root_path from config")
	fs.StringVar(&configPath, "config", "", "explicit path to a notecore.jsonc config file")
	fs.StringVar(&desktopDir, "desktop-dir", defaultDesktopDir(), "directory for emergency recovery dumps")

	err := fs.Parse(args)
	if err != nil {
		log.Error().Err(err).Msg("failed to parse flags")

		return 1
	}

	workDir, err := os.Getwd()
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve working directory")

		return 1
	}

	overrides := config.Overrides{NotesRootPath: notesRoot, HasNotesRoot: notesRoot != ""}

	cfg, sources, err := config.Load(workDir, configPath, overrides, environ)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")

		return 1
	}

	log.Info().Str("global_config", sources.Global).Str("project_config", sources.Project).
		Str("notes_root", cfg.NotesRootPath).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := noteapp.Open(ctx, cfg, noteapp.Deps{DesktopDir: desktopDir})
	if err != nil {
		log.Error().Err(err).Msg("failed to start persistence core")

		return 1
	}

	app.Start(ctx)

	log.Info().Msg("notecored started")

	<-ctx.Done()

	log.Info().Msg("shutdown signal received, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	app.Shutdown(shutdownCtx)

	log.Info().Msg("notecored stopped")

	return 0
}

func defaultDesktopDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return home + string(os.PathSeparator) + "Desktop"
}
