package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"

	"github.com/hardboundapp/hardbound/internal"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c cli
	kctx := kong.Parse(&c,
		kong.Name("hardbound"),
		kong.Description("Book-metadata API gateway for the Hardbound app."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	level := log.InfoLevel
	if c.Verbose {
		level = log.DebugLevel
	}
	styled := isatty.IsTerminal(os.Stderr.Fd())
	logger := internal.NewLogger(os.Stderr, level, styled)
	log.SetDefault(logger)

	if styled {
		banner := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
		fmt.Fprintln(os.Stderr, banner.Render("📚 hardbound "+version))
	}

	kctx.BindTo(log.WithContext(ctx, logger), (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run())
}
