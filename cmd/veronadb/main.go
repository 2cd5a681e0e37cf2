package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/antonellof/VeronaDB/pkg/config"
	"github.com/antonellof/VeronaDB/pkg/core"
	"github.com/antonellof/VeronaDB/pkg/loader"
	"github.com/antonellof/VeronaDB/pkg/server"
	"github.com/antonellof/VeronaDB/pkg/storage"
	"github.com/urfave/cli/v2"
)

// Build information (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes of the load command
const (
	exitOK         = 0
	exitParseError = 1
	exitIOError    = 2
)

func main() {
	app := &cli.App{
		Name:    "veronadb",
		Usage:   "Embedded property graph database",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Show version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("VeronaDB %s\n", Version)
					fmt.Printf("Build Time: %s\n", BuildTime)
					fmt.Printf("Git Commit: %s\n", GitCommit)
					return nil
				},
			},
			{
				Name:  "load",
				Usage: "Bulk load a CSV dataset into a database directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "input",
						Usage:    "Input directory holding metadata.json and CSV files",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "output",
						Usage:    "Output database directory",
						Required: true,
					},
					&cli.IntFlag{
						Name:    "threads",
						Usage:   "Number of parallel loader tasks",
						Value:   0,
						EnvVars: []string{"VERONA_LOADER_THREADS"},
					},
				},
				Action: loadGraph,
			},
			{
				Name:  "serve",
				Usage: "Serve an existing database over HTTP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./data",
						Usage:   "Database directory",
						EnvVars: []string{"VERONA_DATA_DIR"},
					},
					&cli.StringFlag{
						Name:    "host",
						Value:   "localhost",
						Usage:   "Host to bind to",
						EnvVars: []string{"VERONA_HOST"},
					},
					&cli.IntFlag{
						Name:    "port",
						Value:   8080,
						Usage:   "Port to listen on",
						EnvVars: []string{"VERONA_PORT"},
					},
					&cli.StringFlag{
						Name:    "config",
						Usage:   "Configuration file path",
						EnvVars: []string{"VERONA_CONFIG"},
					},
				},
				Action: runServer,
			},
			{
				Name:  "info",
				Usage: "Show database information and file locations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "data-dir",
						Value:   "./data",
						Usage:   "Database directory",
						EnvVars: []string{"VERONA_DATA_DIR"},
					},
				},
				Action: showInfo,
			},
			{
				Name:  "config",
				Usage: "Configuration management commands",
				Subcommands: []*cli.Command{
					{
						Name:  "generate",
						Usage: "Generate a sample configuration file",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:    "output",
								Aliases: []string{"o"},
								Value:   "veronadb.yaml",
								Usage:   "Output configuration file path",
							},
						},
						Action: func(c *cli.Context) error {
							return config.GenerateSample(c.String("output"))
						},
					},
					{
						Name:  "validate",
						Usage: "Validate a configuration file",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "file",
								Aliases:  []string{"f"},
								Usage:    "Configuration file to validate",
								Required: true,
							},
						},
						Action: func(c *cli.Context) error {
							if _, err := config.LoadConfigFromFile(c.String("file")); err != nil {
								return err
							}
							fmt.Printf("Configuration %s is valid\n", c.String("file"))
							return nil
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadGraph(c *cli.Context) error {
	logger := log.Default()
	gl := loader.NewGraphLoader(c.String("input"), c.String("output"), c.Int("threads"), logger)
	if err := gl.Load(); err != nil {
		logger.Printf("load failed: %v", err)
		return cli.Exit(err.Error(), loadExitCode(err))
	}
	fmt.Printf("Loaded dataset from %s into %s\n", c.String("input"), c.String("output"))
	return nil
}

// loadExitCode maps a load failure to the documented exit codes: 1 for
// parse errors, 2 for IO errors.
func loadExitCode(err error) int {
	var parserErr *loader.ParserError
	var conversionErr *loader.ConversionError
	if errors.As(err, &parserErr) || errors.As(err, &conversionErr) {
		return exitParseError
	}
	return exitIOError
}

func runServer(c *cli.Context) error {
	var cfg *config.VeronaConfig
	var err error
	if configFile := c.String("config"); configFile != "" {
		cfg, err = config.LoadConfigFromFile(configFile)
	} else {
		flags := make(map[string]string)
		if c.IsSet("host") {
			flags["host"] = c.String("host")
		}
		if c.IsSet("port") {
			flags["port"] = fmt.Sprintf("%d", c.Int("port"))
		}
		if c.IsSet("data-dir") {
			flags["data-dir"] = c.String("data-dir")
		}
		cfg, err = config.LoadConfig(flags)
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := log.Default()
	db := core.NewDatabase(logger)
	coreConfig := &core.Config{
		DataDir:               cfg.DataDir,
		CacheSizePages:        cfg.Storage.CacheSizePages,
		CheckpointWaitTimeout: cfg.Storage.CheckpointWaitTimeout.Std(),
	}
	if err := db.Open(coreConfig); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	srv := server.NewServer(db, &server.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Printf("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Printf("server shutdown error: %v", err)
		}
		if err := db.Close(); err != nil {
			logger.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		absDataDir = cfg.DataDir
	}
	logger.Printf("VeronaDB %s starting", Version)
	logger.Printf("data directory: %s", absDataDir)
	logger.Printf("http server: http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Printf("page cache: %d pages", cfg.Storage.CacheSizePages)

	return srv.Start()
}

func showInfo(c *cli.Context) error {
	dataDir := c.String("data-dir")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		absDataDir = dataDir
	}

	fmt.Printf("VeronaDB %s - database information\n", Version)
	fmt.Printf("Data directory: %s\n", absDataDir)

	if _, err := os.Stat(absDataDir); os.IsNotExist(err) {
		fmt.Println("Data directory does not exist; run 'veronadb load' first")
		return nil
	}

	db := core.NewDatabase(log.Default())
	if err := db.Open(core.DefaultConfig(dataDir)); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	stats := db.Stats()
	fmt.Printf("Node tables (%d):\n", len(stats.NodeTables))
	for _, nt := range stats.NodeTables {
		fmt.Printf("  %s: %d nodes, %d properties\n", nt.Name, nt.NumNodes, nt.Properties)
	}
	fmt.Printf("Rel tables (%d):\n", len(stats.RelTables))
	for _, rt := range stats.RelTables {
		fmt.Printf("  %s: %d rels\n", rt.Name, rt.NumRels)
	}

	entries, err := os.ReadDir(absDataDir)
	if err != nil {
		return &storage.IOError{Path: absDataDir, Op: "read dir", Err: err}
	}
	fmt.Println("Files:")
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fmt.Printf("  %s (%s)\n", entry.Name(), formatFileSize(info.Size()))
	}
	return nil
}

func formatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
