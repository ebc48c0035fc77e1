package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/term"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Settings may come from a .env file in the working directory
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: finding home directory: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := environment{
		home:        home,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
	if err := run(ctx, os.Args[1:], env); err != nil {
		os.Exit(1)
	}
}

// environment is what the process hands to run
type environment struct {
	home        string
	stdout      io.Writer
	stderr      io.Writer
	interactive bool
}

// run parses args, executes the selected command, and reports any error
func run(ctx context.Context, args []string, env environment) error {
	a := newApp(env)
	root := a.command()

	defer a.close()

	err := root.Parse(args, ff.WithEnvVarPrefix("HSA_REIMBURSE"))
	if err == nil {
		if *a.showVersion {
			fmt.Fprintln(env.stdout, version)
			return nil
		}
		err = root.Run(ctx)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ff.ErrHelp), errors.Is(err, ff.ErrNoExec):
		selected := root.GetSelected()
		if selected == nil {
			selected = root
		}
		fmt.Fprintf(env.stderr, "%s\n", ffhelp.Command(selected))
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	default:
		printError(env.stderr, err.Error())
		return err
	}
}

func configureLogging(w io.Writer, verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
