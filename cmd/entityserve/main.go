// Copyright 2025 The WordServe Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package main implements the entity linking CLI, IPC server and HTTP server.

EntityServe cuts free-text queries into spans and links each span to the most
likely knowledge base entity. Candidates come from a compressed index built
once from alias statistics and memory mapped at startup.

# Usage

Build an index from an alias file and an optional names file:

	entityserve build --input aliases.txt --names names.txt --out wiki.fel

Link queries interactively, one per line:

	entityserve query --index wiki.fel --threshold -15

Serve msgpack requests over stdin/stdout, or JSON over HTTP:

	entityserve serve --index wiki.fel
	entityserve http --index wiki.fel --port 8080

Print the header, corpus statistics and section sizes of an index:

	entityserve info --index wiki.fel

# Configuration

Defaults are read from entityserve.toml, created in the user config directory
on first run, or from the file given with --config:

	[ranker]
	model = "baseline"
	mu = 10.0

	[segment]
	threshold = -20.0
	k = 5

entityserve config path|reset|set prints, restores or edits that file.
serve and http watch the config file and apply new threshold and k defaults
without restart.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v2"

	"github.com/bastiangx/entityserve/internal/logger"
)

const (
	Version = "0.1.0"
	AppName = "entityserve"
	gh      = "https://github.com/bastiangx/entityserve"
)

// printVersion shows the styled version banner.
func printVersion(c *cli.Context) {
	banner := logger.NewWithConfig(c.App.ErrWriter, "", log.InfoLevel, false, log.TextFormatter)

	styles := log.DefaultStyles()
	styles.Values["version"] = lipgloss.NewStyle().Bold(true).
		Foreground(lipgloss.AdaptiveColor{Light: "#575279", Dark: "#e0def4"}).
		Background(lipgloss.AdaptiveColor{Light: "#f2e9e1", Dark: "#26233a"})
	styles.Values["gh"] = lipgloss.NewStyle().Italic(true).
		Foreground(lipgloss.AdaptiveColor{Light: "#575279", Dark: "#e0def4"})
	banner.SetStyles(styles)

	banner.Print("")
	banner.Print("[ EntityServe ] Links queries to entities, fast!")
	banner.Print("", "version", Version)
	banner.Print("")
	banner.Print("use -h or --help to see available options")
	banner.Print("Github Repo", "gh", gh)
}

func newApp() *cli.App {
	cli.VersionPrinter = printVersion
	return &cli.App{
		Name:    AppName,
		Usage:   "entity linking for search queries",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to entityserve.toml",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "toggle debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			logger.SetDebug(c.Bool("debug"))
			return nil
		},
		Commands: []*cli.Command{
			buildCommand(),
			queryCommand(),
			serveCommand(),
			httpCommand(),
			infoCommand(),
			configCommand(),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		stop()
		os.Exit(1)
	}
}
