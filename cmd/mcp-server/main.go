// mcp-server serves sandboxed file commands to remote agents over
// websocket sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/mcpserver/internal/config"
	"github.com/codefionn/mcpserver/internal/dispatch"
	"github.com/codefionn/mcpserver/internal/fs"
	"github.com/codefionn/mcpserver/internal/logger"
	"github.com/codefionn/mcpserver/internal/pidfile"
	"github.com/codefionn/mcpserver/internal/sandbox"
	"github.com/codefionn/mcpserver/internal/securemem"
	"github.com/codefionn/mcpserver/internal/server"
	"github.com/codefionn/mcpserver/internal/session"
)

const shutdownTimeout = 5 * time.Second

type cliOptions struct {
	configPath string
	addr       string
	root       string
	logLevel   string
	logPath    string
	pidFile    string
	pprof      bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseCLIArgs(args []string) (cliOptions, *pflag.FlagSet, error) {
	var opts cliOptions

	flagSet := pflag.NewFlagSet("mcp-server", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a JSON/JSONC config file")
	flagSet.StringVar(&opts.addr, "addr", "", "listen address (default localhost:8000)")
	flagSet.StringVar(&opts.root, "root", "", "sandbox root directory (default: working directory)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error, none")
	flagSet.StringVar(&opts.logPath, "log-path", "", `log file path ("-" for stderr)`)
	flagSet.StringVar(&opts.pidFile, "pid-file", "", "write the process ID here and refuse to start twice")
	flagSet.BoolVar(&opts.pprof, "pprof", false, "serve token-protected profiling endpoints under /debug/pprof")

	if err := flagSet.Parse(args); err != nil {
		return opts, flagSet, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return opts, flagSet, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, flagSet, nil
}

func loadConfig(opts cliOptions, flagSet *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if flagSet.Changed("addr") {
		cfg.ListenAddr = opts.addr
	}
	if flagSet.Changed("root") {
		cfg.ProjectRoot = opts.root
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flagSet.Changed("log-path") {
		cfg.LogPath = opts.logPath
	}
	if flagSet.Changed("pid-file") {
		cfg.PidFile = opts.pidFile
	}
	if flagSet.Changed("pprof") {
		cfg.Pprof = opts.pprof
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run() error {
	opts, flagSet, err := parseCLIArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts, flagSet)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	if cfg.UsesDefaultToken() {
		logger.Warn("API token is the insecure default %q; set %s", config.DefaultToken, config.EnvAPIToken)
	}
	token := cfg.TakeToken()
	defer securemem.Purge()

	if cfg.PidFile != "" {
		pf := pidfile.New(cfg.PidFile)
		if err := pf.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pf.Release(); err != nil {
				logger.Warn("%v", err)
			}
		}()
	}

	sb, err := sandbox.NewPathSandbox(cfg.ProjectRoot)
	if err != nil {
		return err
	}
	if err := restrictProcess(cfg, sb.Root()); err != nil {
		return err
	}
	logger.Info("Starting MCP server: %s", cfg)

	cache := fs.NewFileCache(fs.NewOSStorage(), cfg.WatchFiles)
	defer cache.Close()

	registry := session.NewRegistry()
	dispatcher := dispatch.New(sb, cache, registry, dispatch.Options{
		CommandTimeout:  cfg.CommandTimeout.Std(),
		PendingWriteTTL: cfg.PendingWriteTTL.Std(),
		Images:          dispatch.LogImageProcessor{},
	})
	srv := server.New(token, registry, dispatcher, server.Options{
		Addr:           cfg.ListenAddr,
		MaxMessageSize: cfg.MaxMessageSize,
		SendQueueSize:  cfg.SendQueueSize,
		MaxInFlight:    cfg.MaxInFlight,
		Pprof:          cfg.Pprof,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Wait)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("MCP server stopped: %v", err)
		return err
	}
	logger.Info("MCP server stopped")
	return nil
}

// restrictProcess applies Landlock to the sandbox root and, when set, the
// directories of the log and PID files.
func restrictProcess(cfg *config.Config, root string) error {
	if !cfg.Sandbox.Landlock {
		return nil
	}

	paths := []sandbox.DirectoryPermission{{Path: root, Access: sandbox.AccessReadWrite}}
	extra := []string{cfg.PidFile}
	if cfg.LogPath != logger.StderrPath {
		extra = append(extra, cfg.LogPath)
	}
	for _, file := range extra {
		if file == "" {
			continue
		}
		if dir, err := filepath.Abs(filepath.Dir(file)); err == nil {
			paths = append(paths, sandbox.DirectoryPermission{Path: dir, Access: sandbox.AccessReadWrite})
		}
	}

	if err := sandbox.Restrict(sandbox.LandlockConfig{
		Enabled:    true,
		BestEffort: cfg.Sandbox.BestEffort,
		Paths:      paths,
	}); err != nil {
		return fmt.Errorf("failed to apply landlock: %w", err)
	}
	return nil
}
