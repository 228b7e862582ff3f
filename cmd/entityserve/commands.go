package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"github.com/bastiangx/entityserve/internal/api"
	internalCli "github.com/bastiangx/entityserve/internal/cli"
	"github.com/bastiangx/entityserve/internal/utils"
	"github.com/bastiangx/entityserve/pkg/config"
	"github.com/bastiangx/entityserve/pkg/dictionary"
	"github.com/bastiangx/entityserve/pkg/rank"
	"github.com/bastiangx/entityserve/pkg/segment"
	"github.com/bastiangx/entityserve/pkg/server"
)

func indexFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "index",
		Aliases: []string{"i"},
		Usage:   "index file (default from config)",
	}
}

// loadConfig resolves the --config flag with the usual fallbacks.
func loadConfig(c *cli.Context) (*config.Config, string) {
	cfg, path, err := config.LoadConfigWithPriority(c.String("config"))
	if err != nil {
		log.Warnf("Using built-in defaults: %v", err)
		return config.DefaultConfig(), ""
	}
	return cfg, path
}

// engine is a loaded index with the linker configured for it.
type engine struct {
	index  *dictionary.Index
	linker *segment.Segmenter
}

// openEngine maps the index named by --index or the config and builds the
// configured ranking model over it.
func openEngine(c *cli.Context, cfg *config.Config, configPath string) (*engine, error) {
	path := c.String("index")
	if path == "" {
		path = cfg.Index.Path
	}
	configDir := ""
	if configPath != "" {
		configDir = filepath.Dir(configPath)
	}
	if resolver, err := utils.NewPathResolver(configDir); err == nil {
		if resolved, err := resolver.ResolveFile(path); err == nil {
			path = resolved
		}
	}
	if err := dictionary.CheckInputFile(path, dictionary.FormatIndex); err != nil {
		return nil, err
	}

	start := time.Now()
	idx, err := dictionary.Open(path, cfg.Index.NameCache)
	if err != nil {
		return nil, err
	}
	model, err := rank.New(cfg.Ranker.Model, idx.Stats(), cfg.RankOptions(), rank.NewNameSimilarity(idx))
	if err != nil {
		idx.Close()
		return nil, err
	}
	log.Debugf("Loaded %s in %v with model %q", path, time.Since(start), cfg.Ranker.Model)
	return &engine{
		index:  idx,
		linker: segment.New(idx, model, cfg.SegmentOptions()),
	}, nil
}

// watchConfig calls apply on every config change while ctx is live.
func watchConfig(ctx context.Context, cfg *config.Config, path string, apply func(*config.Config)) {
	if !cfg.Server.Reload || path == "" {
		return
	}
	go func() {
		if err := config.Watch(ctx, path, apply); err != nil {
			log.Warnf("Config reload disabled: %v", err)
		}
	}()
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "compress an alias file into an index",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Usage: "alias statistics file", Required: true},
			&cli.StringFlag{Name: "names", Usage: "entity names file, id<TAB>name per line"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output index (default from config)"},
			&cli.Uint64Flag{Name: "min-link-count", Usage: "keep candidates linked at least this often"},
			&cli.Uint64Flag{Name: "min-query-count", Usage: "keep candidates clicked at least this often"},
			&cli.BoolFlag{Name: "no-verify", Usage: "skip the self-check after building"},
		},
		Action: func(c *cli.Context) error {
			cfg, _ := loadConfig(c)
			opts := cfg.BuildOptions()
			if c.IsSet("min-link-count") {
				opts.MinLinkCount = c.Uint64("min-link-count")
			}
			if c.IsSet("min-query-count") {
				opts.MinQueryCount = c.Uint64("min-query-count")
			}
			if c.Bool("no-verify") {
				opts.Verify = false
			}
			out := c.String("out")
			if out == "" {
				out = cfg.Index.Path
			}
			if err := dictionary.CheckInputFile(c.String("input"), dictionary.FormatAliases); err != nil {
				return err
			}
			if names := c.String("names"); names != "" {
				if err := dictionary.CheckInputFile(names, dictionary.FormatNames); err != nil {
					return err
				}
			}

			start := time.Now()
			idx, err := dictionary.BuildFile(c.Context, opts, c.String("input"), c.String("names"), out)
			if err != nil {
				return err
			}
			defer idx.Close()
			info := idx.Info()
			log.Infof("Built %s in %v: %s aliases, %s entities, %s",
				out, time.Since(start).Round(time.Millisecond),
				utils.FormatWithCommas(info.Header.Aliases),
				utils.FormatWithCommas(info.Header.Stats.Entities),
				utils.FormatBytes(info.TotalSize))
			return nil
		},
	}
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:  "query",
		Usage: "link queries read from stdin, one per line",
		Flags: []cli.Flag{
			indexFlag(),
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "dp or topk"},
			&cli.Float64Flag{Name: "threshold", Aliases: []string{"t"}, Usage: "minimum span score in dp mode"},
			&cli.IntFlag{Name: "k", Usage: "result count in topk mode"},
		},
		Action: func(c *cli.Context) error {
			cfg, path := loadConfig(c)
			eng, err := openEngine(c, cfg, path)
			if err != nil {
				return err
			}
			defer eng.index.Close()

			opts := internalCli.Options{
				Mode:        cfg.CLI.Mode,
				Threshold:   cfg.Segment.Threshold,
				K:           cfg.Segment.K,
				MaxQueryLen: cfg.Server.MaxQueryLen,
				ShowNames:   cfg.CLI.ShowNames,
			}
			if c.IsSet("mode") {
				opts.Mode = c.String("mode")
			}
			if c.IsSet("threshold") {
				opts.Threshold = c.Float64("threshold")
			}
			if c.IsSet("k") {
				opts.K = c.Int("k")
			}
			handler, err := internalCli.NewInputHandler(eng.linker, opts)
			if err != nil {
				return err
			}
			return handler.Start(c.Context, os.Stdin, os.Stdout)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "answer msgpack requests on stdin/stdout",
		Flags: []cli.Flag{indexFlag()},
		Action: func(c *cli.Context) error {
			cfg, path := loadConfig(c)
			eng, err := openEngine(c, cfg, path)
			if err != nil {
				return err
			}
			defer eng.index.Close()

			defaults := func(cfg *config.Config) server.Defaults {
				return server.Defaults{
					Threshold:   cfg.Segment.Threshold,
					K:           cfg.Segment.K,
					MaxQueryLen: cfg.Server.MaxQueryLen,
				}
			}
			srv := server.NewServer(eng.linker, eng.index, defaults(cfg))
			watchConfig(c.Context, cfg, path, func(next *config.Config) {
				srv.SetDefaults(defaults(next))
			})
			return srv.Start(c.Context)
		},
	}
}

func httpCommand() *cli.Command {
	return &cli.Command{
		Name:  "http",
		Usage: "serve the JSON API",
		Flags: []cli.Flag{
			indexFlag(),
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen port (default from config)"},
		},
		Action: func(c *cli.Context) error {
			cfg, path := loadConfig(c)
			eng, err := openEngine(c, cfg, path)
			if err != nil {
				return err
			}
			defer eng.index.Close()

			settings := func(cfg *config.Config) api.Settings {
				return api.Settings{
					Threshold:   cfg.Segment.Threshold,
					K:           cfg.Segment.K,
					MaxQueryLen: cfg.Server.MaxQueryLen,
				}
			}
			handler := api.NewAPI(eng.linker, eng.index, settings(cfg))
			watchConfig(c.Context, cfg, path, func(next *config.Config) {
				handler.SetSettings(settings(next))
			})

			if !c.Bool("debug") {
				gin.SetMode(gin.ReleaseMode)
			}
			router := gin.New()
			router.Use(gin.Recovery())
			api.SetupRoutes(router, handler)

			port := cfg.Server.Port
			if c.IsSet("port") {
				port = c.Int("port")
			}
			srv := &http.Server{
				Addr:              ":" + strconv.Itoa(port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Infof("Listening on %s", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-c.Context.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shut down: %w", err)
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "print header, statistics and section sizes of an index",
		Flags: []cli.Flag{indexFlag()},
		Action: func(c *cli.Context) error {
			cfg, path := loadConfig(c)
			eng, err := openEngine(c, cfg, path)
			if err != nil {
				return err
			}
			defer eng.index.Close()
			fmt.Fprintf(c.App.Writer, "%s %s\n", keyStyle.Render("config"), config.GetActiveConfigPath(path))
			printInfo(c.App.Writer, eng.index.Info())
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "show, reset or edit the config file",
		Subcommands: []*cli.Command{
			{
				Name:  "path",
				Usage: "print the config file in use",
				Action: func(c *cli.Context) error {
					_, path := loadConfig(c)
					fmt.Fprintln(c.App.Writer, config.GetActiveConfigPath(path))
					return nil
				},
			},
			{
				Name:  "reset",
				Usage: "overwrite the config file with the defaults",
				Action: func(c *cli.Context) error {
					path, err := config.RebuildConfigFile(c.String("config"))
					if err != nil {
						return err
					}
					log.Infof("Wrote defaults to %s", path)
					return nil
				},
			},
			{
				Name:  "set",
				Usage: "change the default threshold and k",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "threshold", Aliases: []string{"t"}, Usage: "minimum span score in dp mode"},
					&cli.IntFlag{Name: "k", Usage: "result count in topk mode"},
				},
				Action: func(c *cli.Context) error {
					cfg, path := loadConfig(c)
					if path == "" {
						return fmt.Errorf("no config file to update")
					}
					var threshold *float64
					var k *int
					if c.IsSet("threshold") {
						v := c.Float64("threshold")
						threshold = &v
					}
					if c.IsSet("k") {
						v := c.Int("k")
						if v < 1 {
							return fmt.Errorf("k must be at least 1")
						}
						k = &v
					}
					if err := cfg.Update(path, threshold, k); err != nil {
						return err
					}
					log.Infof("Updated %s: threshold=%g k=%d", path, cfg.Segment.Threshold, cfg.Segment.K)
					return nil
				},
			},
		},
	}
}

var (
	keyStyle     = lipgloss.NewStyle().Bold(true).Width(16)
	sectionStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#575279", Dark: "#e0def4"}).Underline(true)
)

func printInfo(w io.Writer, info dictionary.Info) {
	row := func(k, v string) {
		fmt.Fprintf(w, "%s %s\n", keyStyle.Render(k), v)
	}
	h := info.Header
	fmt.Fprintln(w, sectionStyle.Render("header"))
	row("version", strconv.Itoa(int(dictionary.Version)))
	row("aliases", utils.FormatWithCommas(h.Aliases))
	row("entity slots", utils.FormatWithCommas(h.EntitySlots))
	row("batch size", utils.FormatWithCommas(h.BatchSize))
	row("batches", strconv.Itoa(h.Batches))
	row("fingerprints", fmt.Sprintf("%d bits", h.FingerprintBits))
	row("mapped", strconv.FormatBool(info.Mapped))
	if n, ok := info.NameCache["maxNames"]; ok {
		row("name cache", strconv.Itoa(n))
	}

	s := h.Stats
	fmt.Fprintln(w, sectionStyle.Render("corpus"))
	row("entities", utils.FormatWithCommas(s.Entities))
	row("pairs", utils.FormatWithCommas(s.Pairs))
	row("entity clicks", utils.FormatWithCommas(s.EntityClicks))
	row("entity links", utils.FormatWithCommas(s.EntityLinks))
	row("alias queries", utils.FormatWithCommas(s.AliasQueries))
	row("alias links", utils.FormatWithCommas(s.AliasLinks))

	fmt.Fprintln(w, sectionStyle.Render("sections"))
	names := make([]string, 0, len(info.Sizes))
	for name := range info.Sizes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		row(name, utils.FormatBytes(info.Sizes[name]))
	}
	row("total", utils.FormatBytes(info.TotalSize))
}
