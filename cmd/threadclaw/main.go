package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/threadclaw/internal/agentapi"
	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/channels"
	"github.com/basket/threadclaw/internal/config"
	"github.com/basket/threadclaw/internal/mapper"
	"github.com/basket/threadclaw/internal/persistence"
	"github.com/basket/threadclaw/internal/scheduler"
	"github.com/basket/threadclaw/internal/telemetry"
	"github.com/basket/threadclaw/internal/vault"
	"github.com/basket/threadclaw/internal/worktree"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the bridge daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  THREADCLAW_HOME         Data directory (default: ~/.threadclaw)
  TELEGRAM_BOT_TOKEN      Telegram bot token (enables the channel)
  THREADCLAW_AGENT_URL    Agent server base URL (default: http://127.0.0.1:4096)
  THREADCLAW_PROJECT_DIR  Default project directory for new sessions
  THREADCLAW_HUB_CHAT_ID  Chat that receives schedule outcome notices
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", !isatty.IsTerminal(os.Stdout.Fd()), "log to file only, not stdout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("threadclaw", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config_load", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "logger_init", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	// The health listener doubles as the single-instance guard: a second
	// daemon fails the bind and exits before touching the database.
	ln, err := bindGuard(ctx, cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "listener_bind", err)
	}
	healthSrv := serveHealth(ln, logger)
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	eventBus := bus.New()

	credVault := vault.New(cfg.HomeDir)

	dbPath := filepath.Join(cfg.HomeDir, "threadclaw.db")
	store, err := persistence.Open(dbPath, credVault, eventBus)
	if err != nil {
		fatalStartup(logger, "store_open", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	// The bot token lives in the credential store; a token from the
	// environment or config.yaml is persisted (encrypted) on startup so
	// later runs work without it.
	botToken, err := resolveBotToken(ctx, store, cfg.Telegram.Token)
	if err != nil {
		logger.Warn("stored bot token unusable", "error", err)
	}

	agentClient := agentapi.New(cfg.Agent.BaseURL, time.Duration(cfg.Agent.RequestTimeoutSeconds)*time.Second)

	var hubChannelID string
	if cfg.Telegram.HubChatID != 0 {
		hubChannelID = strconv.FormatInt(cfg.Telegram.HubChatID, 10)
	}

	var chat channels.Adapter
	var tg *channels.TelegramChannel

	svc := mapper.New(mapper.Config{
		Store:             store,
		Agent:             agentClient,
		Logger:            logger,
		DefaultProjectDir: cfg.Worktrees.ProjectDir,
	})

	if cfg.Telegram.Enabled && botToken != "" {
		tg = channels.NewTelegramChannel(botToken, cfg.Telegram.AllowedIDs, svc, logger)
		chat = tg
	} else {
		logger.Warn("no chat channel configured; set telegram.token or TELEGRAM_BOT_TOKEN")
		chat = channels.Discard{}
	}
	svc.SetChat(chat)

	worktrees := worktree.NewManager(worktree.Config{
		Store:  store,
		SCM:    worktree.GitCLI{},
		Logger: logger,
		Root:   cfg.Worktrees.Root,
	})
	defer worktrees.Wait()

	sched := scheduler.New(scheduler.Config{
		Store:             store,
		Runner:            svc,
		Chat:              chat,
		Bus:               eventBus,
		Logger:            logger,
		Interval:          time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		HubChannelID:      hubChannelID,
		DefaultProjectDir: cfg.Worktrees.ProjectDir,
	})
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	// Agent server event stream, for live visibility into session activity.
	stream := agentapi.NewStream(cfg.Agent.BaseURL, logger)
	stream.Start(ctx)
	go func() {
		for ev := range stream.Events() {
			logger.Debug("agent event", "type", ev.Type, "session_id", ev.SessionID, "message_id", ev.MessageID)
		}
	}()

	// Config watcher: log level changes apply without a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				telemetry.SetLevel(reloaded.LogLevel)
				logger.Info("config reloaded", "log_level", reloaded.LogLevel)
			}
		}()
	}

	channelErr := make(chan error, 1)
	if tg != nil {
		go func() {
			if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
				channelErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-channelErr:
		logger.Error("chat channel failed", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// resolveBotToken returns the usable bot token, preferring a configured
// one (persisting it encrypted for later runs) over the stored one.
func resolveBotToken(ctx context.Context, store *persistence.Store, configured string) (string, error) {
	if configured != "" {
		if err := store.SetCredential(ctx, "telegram_bot_token", configured); err != nil {
			return configured, err
		}
		return configured, nil
	}
	token, err := store.GetCredential(ctx, "telegram_bot_token")
	if err != nil {
		if err == persistence.ErrNotFound {
			return "", nil
		}
		return "", err
	}
	return token, nil
}

// bindGuard binds the local address. Failure with EADDRINUSE means another
// daemon instance owns this home directory.
func bindGuard(ctx context.Context, addr string) (net.Listener, error) {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return nil, fmt.Errorf("%w\n\n  Another threadclaw instance appears to be running on %s. Stop it first or change bind_addr in config.yaml.", err, addr)
		}
		return nil, err
	}
	return ln, nil
}

// serveHealth runs a minimal health endpoint on the guard listener.
func serveHealth(ln net.Listener, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`+"\n", Version)
	})
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()
	return srv
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func fatalStartup(logger *slog.Logger, phase string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "phase", phase, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"threadclaw","msg":"startup failure","phase":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			phase,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
