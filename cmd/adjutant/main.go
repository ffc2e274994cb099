// Adjutant - Source Dedicated Server Console Manager
//
// Adjutant keeps authenticated RCON sessions open to Source engine game
// servers, drives them from an interactive console, a REST API and
// websockets, and publishes session and command telemetry via MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adjutant-project/adjutant/internal/api"
	"github.com/adjutant-project/adjutant/internal/cli"
	"github.com/adjutant-project/adjutant/internal/client"
	"github.com/adjutant-project/adjutant/internal/config"
	"github.com/adjutant-project/adjutant/internal/console"
	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/history"
	"github.com/adjutant-project/adjutant/internal/network"
	"github.com/adjutant-project/adjutant/internal/protocol"
	"github.com/adjutant-project/adjutant/internal/scheduler"
	"github.com/adjutant-project/adjutant/internal/telemetry"
	"github.com/adjutant-project/adjutant/internal/util"
)

const (
	AppName    = "Adjutant"
	AppVersion = "1.0.0"
	Banner     = `
    _         _    _         _                  _
   / \     __| |  (_) _   _ | |_   __ _  _ __  | |_
  / _ \   / _' |  | || | | || __| / _' || '_ \ | __|
 / ___ \ | (_| |  | || |_| || |_ | (_| || | | || |_
/_/   \_\ \__,_| _/ | \__,_| \__| \__,_||_| |_| \__|
                |__/                        v%s
 Source Dedicated Server Console Manager
`
)

// Exit codes for exec, one per failure class, so scripts can tell a
// refused password from a dead host.
const (
	exitOK          = 0
	exitError       = 1
	exitUnreachable = 2
	exitAuthFailed  = 3
	exitTimeout     = 4
	exitProtocol    = 5
)

var configDir string

func main() {
	rootCmd := &cobra.Command{
		Use:   "adjutant",
		Short: "Source Dedicated Server console manager",
		Long: `Adjutant manages RCON console sessions to Source engine game servers.

Run it without arguments for the interactive console. Enabled services
from the configuration (REST API, MQTT telemetry, watch commands) start
alongside it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.DefaultConfigDir,
		"directory containing the configuration file")

	rootCmd.AddCommand(
		execCmd(),
		serveCmd(),
		listenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

// bootstrap initializes logging, loads and validates the configuration
// and logs the host we are running on. Shared by the root and serve
// commands.
func bootstrap() (*config.Config, error) {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting " + AppName)

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Re-initialize the logger with config-based settings.
	logCfg := util.DefaultLogConfig()
	app := cfg.GetApplicationData()
	if app.Logging.Level != "" {
		logCfg.Level = app.Logging.Level
	}
	if app.Logging.Directory != "" {
		logCfg.Directory = app.Logging.Directory
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		if cfg.IsFirstRun() {
			log.Info().Msg("first run detected, launching setup")
			if err := config.RunSetup(cfg); err != nil {
				return nil, fmt.Errorf("setup failed: %w", err)
			}
		} else {
			for _, e := range validation.Errors {
				log.Error().Str("field", e.Field).Msg(e.Message)
			}
			return nil, fmt.Errorf("configuration validation failed, fix the errors above")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	return cfg, nil
}

// daemon bundles the long-running components the root and serve
// commands share.
type daemon struct {
	cfg      *config.Config
	eventBus *events.Bus
	store    *history.Store
	manager  *console.Manager
	api      *api.Server
	mqtt     *telemetry.MQTTHandler
	sched    *scheduler.Scheduler
}

func newDaemon(cfg *config.Config) *daemon {
	d := &daemon{
		cfg:      cfg,
		eventBus: events.NewBus(),
	}

	app := cfg.GetApplicationData()

	if app.History.Enabled {
		store, err := history.Open(app.History.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, history disabled")
		} else {
			d.store = store
		}
	}

	d.manager = console.NewManager(cfg, d.eventBus, d.store)
	d.sched = scheduler.NewScheduler(cfg, d.eventBus, d.manager, d.store)

	if app.API.Enabled {
		if !config.IsPortAvailable(app.API.Port) {
			log.Warn().Int("port", app.API.Port).Msg("API port is already in use, the API server will fail to bind")
		}
		d.api = api.NewServer(cfg, d.eventBus, d.manager, d.store)
	}

	if app.MQTT.Enabled {
		mqtt, err := telemetry.NewMQTTHandler(cfg, d.eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			d.mqtt = mqtt
		}
	}

	d.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventConfigLoaded,
		Source: "main",
		Payload: events.ConfigLoadedPayload{
			Path:    cfg.Path(),
			Servers: len(cfg.GetServers()),
		},
	})

	return d
}

// start launches the enabled background services.
func (d *daemon) start(ctx context.Context, wg *sync.WaitGroup) {
	if d.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", d.cfg.GetApplicationData().API.Port).Msg("starting REST API server")
			if err := d.api.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		}()
	}

	if d.mqtt != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := d.mqtt.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting scheduler")
		d.sched.Start(ctx)
	}()
}

// close releases resources once the service goroutines have drained.
func (d *daemon) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close history database")
		}
	}
	d.eventBus.Stop()
}

// shutdown cancels the root context, broadcasts the shutdown event and
// waits for the task goroutines with a hard 30 second ceiling.
func shutdown(d *daemon, wg *sync.WaitGroup, cancel context.CancelFunc) {
	log.Info().Msg("initiating graceful shutdown...")

	cancel()

	d.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	d.close()
	log.Info().Msg("Adjutant stopped")
}

// runRoot starts the enabled services and hands the foreground to the
// interactive console.
func runRoot() error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDaemon(cfg)
	cliHandler := cli.NewCLI(cfg, d.eventBus, d.manager, d.store)

	var wg sync.WaitGroup
	d.start(ctx, &wg)

	cliDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(cliDone)
		cliHandler.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-cliDone:
		log.Info().Msg("console closed")
	}

	shutdown(d, &wg, cancel)
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run headless: API, telemetry and watch commands without the console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	cfg, err := bootstrap()
	if err != nil {
		return err
	}

	app := cfg.GetApplicationData()
	if !app.API.Enabled && !app.MQTT.Enabled && !(app.Watch.Enabled && len(app.Watch.Commands) > 0) {
		return fmt.Errorf("nothing to serve: enable the API, MQTT or watch commands in %s", cfg.Path())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := newDaemon(cfg)

	var wg sync.WaitGroup
	d.start(ctx, &wg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdown(d, &wg, cancel)
	return nil
}

func execCmd() *cobra.Command {
	var (
		serverName string
		addr       string
		password   string
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] <command...>",
		Short: "Run a single console command and print the response",
		Long: `Run one console command against a game server and print the response
body to stdout. The exit code distinguishes failure classes: 2 host
unreachable, 3 authentication refused, 4 timed out, 5 protocol error.

Examples:
  adjutant exec status
  adjutant exec --server game2 "say Restarting in 5 minutes"
  adjutant exec --addr 192.168.1.50:27015 --password hunter2 status`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runExec(serverName, addr, password, strings.Join(args, " ")))
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverName, "server", "s", "", "configured server name (default: the default server)")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "connect to host:port directly instead of a configured server")
	cmd.Flags().StringVarP(&password, "password", "p", "", "console password, only used with --addr")

	return cmd
}

func runExec(serverName, addr, password, command string) int {
	// Keep stdout clean for the response body.
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	if addr == "" {
		var entry config.ServerEntry
		var ok bool
		if serverName != "" {
			entry, ok = cfg.FindServer(serverName)
			if !ok {
				fmt.Fprintf(os.Stderr, "Error: no server named %q in %s\n", serverName, cfg.Path())
				return exitError
			}
		} else {
			entry, ok = cfg.DefaultServer()
			if !ok {
				fmt.Fprintln(os.Stderr, "Error: no servers configured, pass --addr and --password")
				return exitError
			}
		}
		addr = entry.Address
		password = entry.Password
	}

	sess, err := client.ConnectTimeout(addr, password, cfg.ConnectTimeout())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	defer sess.Close()

	sess.SetTimeout(cfg.CommandTimeout())

	resp, err := sess.Command(command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	body := resp.Body()
	fmt.Print(body)
	if body != "" && !strings.HasSuffix(body, "\n") {
		fmt.Println()
	}
	return exitOK
}

// exitCode maps a session error onto the exec exit code taxonomy.
func exitCode(err error) int {
	switch {
	case errors.Is(err, client.ErrHostUnreachable):
		return exitUnreachable
	case errors.Is(err, client.ErrAuthFailed):
		return exitAuthFailed
	case errors.Is(err, client.ErrTimeout):
		return exitTimeout
	case errors.Is(err, client.ErrSessionBroken),
		errors.Is(err, client.ErrSendFailed),
		errors.Is(err, client.ErrReceiveFailed),
		errors.Is(err, protocol.ErrMalformedHeader),
		errors.Is(err, protocol.ErrMalformedBody),
		errors.Is(err, protocol.ErrUnknownType):
		return exitProtocol
	default:
		return exitError
	}
}

func listenCmd() *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Log every packet clients send to a local port",
		Long: `Listen accepts connections on a local port, decodes the first packet
each client sends and logs it. Point a game client or rcon tool at it
to inspect exactly what goes over the wire.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(bind)
		},
	}

	cmd.Flags().StringVarP(&bind, "bind", "b", fmt.Sprintf("0.0.0.0:%d", config.DefaultRCONPort),
		"address to listen on")

	return cmd
}

func runListen(bind string) error {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	listener := network.NewListener(bind, nil, nil)
	log.Info().Str("addr", bind).Msg("starting diagnostic listener")
	return listener.Start(ctx)
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(AppVersion)
				return
			}
			fmt.Printf(Banner, AppVersion)
			fmt.Println()
			fmt.Printf("  Version:    %s\n", AppVersion)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Println()
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")

	return cmd
}
