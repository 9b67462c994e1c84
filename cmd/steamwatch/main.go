// Package main is the CLI entry point for steamwatch.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eliteGoblin/focusd/steamwatch/internal/config"
	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
	"github.com/eliteGoblin/focusd/steamwatch/internal/hub"
	"github.com/eliteGoblin/focusd/steamwatch/internal/infra"
	"github.com/eliteGoblin/focusd/steamwatch/internal/plugin"
	"github.com/eliteGoblin/focusd/steamwatch/internal/policy"
	"github.com/eliteGoblin/focusd/steamwatch/internal/server"
	"github.com/eliteGoblin/focusd/steamwatch/internal/usecase"
	"github.com/eliteGoblin/focusd/steamwatch/internal/vdf"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

const resyncInterval = 5 * time.Minute

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "steamwatch",
	Short: "Parental control for Steam across agent devices",
	Long: `steamwatch keeps a Steam monitoring policy on every agent device and
flips it between blocked and allowed as the parental-control service
reports quota and pause changes. Violations are logged and forwarded
to the parent.`,
	Version:      Version,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the plugin host (hub connection, local agent, HTTP surface)",
	RunE:  runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted agents, settings and recent violations",
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored Steam processes and resolved Steam paths",
	RunE:  runList,
}

var gamesCmd = &cobra.Command{
	Use:   "games",
	Short: "List installed Steam games and the signed-in persona",
	RunE:  runGames,
}

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "Print the most recent violations",
	RunE:  runViolations,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install steamwatch as a launchd service",
	Long: `Writes a LaunchAgent (or a LaunchDaemon when run as root) that starts
'steamwatch run' at login or boot and restarts it if it crashes.`,
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the launchd service",
	RunE:  runUninstall,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the bearer token of the HTTP API",
	Long: `Prints the token clients must send as "Authorization: Bearer <token>".
Unless http.token is configured, it is generated in the data directory on first use.`,
	RunE: runToken,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath      string
	jsonOutput      bool
	violationsLimit int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.steamwatch/config.yaml)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	violationsCmd.Flags().IntVar(&violationsLimit, "limit", 20, "Number of violations to print (0 for all)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(gamesCmd)
	rootCmd.AddCommand(violationsCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	execMode := infra.DetectExecMode()
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(execMode.LogDir, "steamwatch.log")
	}
	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	dataDir := resolveDataDir(cfg, execMode)
	store, closeStore, err := openStore(cfg, dataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	var token string
	if cfg.HTTP.Listen != "" {
		if token, err = httpToken(cfg, dataDir); err != nil {
			return err
		}
	}

	logger.Info("starting steamwatch",
		zap.String("version", Version),
		zap.String("mode", execMode.Mode.String()),
		zap.String("data_dir", dataDir),
		zap.String("state_backend", cfg.State.Backend))

	// Agent services outlive the signal context so OnUnload can still
	// delete policies after shutdown starts.
	svcCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()

	var hubClient *hub.Client
	var remote domain.AgentService
	if cfg.Hub.Endpoint != "" {
		hubClient = hub.NewClient(hub.Options{URL: cfg.Hub.Endpoint, Token: cfg.Hub.APIKey}, nil, nil, logger.Named("hub"))
		remote = hubClient
	}

	var local *infra.LocalAgent
	if cfg.LocalAgent.Enabled {
		local = infra.NewLocalAgent(localAgentID(cfg), infra.NewProcessManager(), logger.Named("local_agent"))
	}

	notifications := server.NewNotifications(logger.Named("notifications"))
	p := plugin.New(plugin.Options{
		Agents:    infra.NewAgentMux(local, remote, logger.Named("agents")),
		Store:     store,
		Notifier:  notifications,
		Activity:  infra.NewActivityLog(logger),
		QueueSize: cfg.Events.QueueSize,
		Logger:    logger.Named("plugin"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.OnLoad(ctx, nil); err != nil {
		return fmt.Errorf("failed to load plugin: %w", err)
	}

	if hubClient != nil {
		hubClient.WithEvents(p.Emitter(), p.Emitter())
		go func() { _ = hubClient.Run(svcCtx) }()
	}
	if local != nil {
		local.WithEvents(p.Emitter())
		if hubClient != nil {
			local.WithQuotaChecker(hubClient)
		}
		go func() { _ = local.Run(svcCtx) }()
	}

	watchFamilyView(ctx, cfg, logger)

	serverErr := make(chan error, 1)
	if cfg.HTTP.Listen != "" {
		srv := server.New(p, notifications, token, logger.Named("http"))
		go func() { serverErr <- srv.Run(ctx, cfg.HTTP.Listen) }()
	}

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			break loop
		case err := <-serverErr:
			if err != nil {
				logger.Error("http server failed", zap.Error(err))
				stop()
				break loop
			}
		case <-ticker.C:
			if err := p.Sync(ctx); err != nil {
				logger.Warn("agent resync failed", zap.Error(err))
			}
		}
	}

	done := make(chan struct{})
	p.OnUnload(func() { close(done) })
	<-done
	stopServices()
	return nil
}

// watchFamilyView records Steam Family View locking and unlocking on this machine.
func watchFamilyView(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	paths := steamPaths(cfg)
	if paths.Config == "" {
		logger.Debug("steam config directory not found, family view watch disabled")
		return
	}

	decoder := vdf.NewDecoder(logger.Named("vdf"))
	activity := infra.NewActivityLog(logger)
	file := filepath.Join(paths.Config, "config.vdf")

	err := decoder.WatchFamilyView(ctx, file, func(locked bool) {
		message := "Steam Family View unlocked"
		if locked {
			message = "Steam Family View locked"
		}
		activity.Record("family_view", message, map[string]string{
			"locked": fmt.Sprintf("%t", locked),
			"path":   file,
		})
	})
	if err != nil {
		logger.Warn("failed to watch steam config", zap.String("path", file), zap.Error(err))
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zap.NewNop()

	handlers, closeStore, err := offlineHandlers(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	status, err := handlers.GetStatus(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("\n=== steamwatch Status ===")
	fmt.Printf("Agents: %d (%d enabled)\n", status.AgentCount, status.ActiveAgents)
	fmt.Printf("Monitored children: %d\n", status.MonitoredChildren)
	fmt.Printf("Check interval: %s\n", status.Settings.CheckInterval)
	fmt.Printf("Kill on violation: %t\n", status.Settings.KillOnViolation)
	fmt.Printf("Notify parent: %t\n", status.Settings.NotifyParent)
	if status.LastSync.IsZero() {
		fmt.Println("Last sync: never")
	} else {
		fmt.Printf("Last sync: %s ago\n", time.Since(status.LastSync).Round(time.Second))
	}

	fmt.Println("\nRecent violations:")
	if len(status.RecentViolations) == 0 {
		fmt.Println("  (none)")
	}
	for _, v := range status.RecentViolations {
		printViolation(v)
	}
	fmt.Println("=========================")
	return nil
}

func runViolations(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	dataDir := resolveDataDir(cfg, infra.DetectExecMode())
	store, closeStore, err := openStore(cfg, dataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	var violations []domain.Violation
	if enc, ok := store.(*infra.EncryptedStateStore); ok {
		violations, err = enc.RecentViolations(violationsLimit)
		if err != nil {
			return err
		}
	} else {
		state, err := store.Load()
		if err != nil {
			return err
		}
		r := usecase.NewReconciler(nil, nil, zap.NewNop())
		r.Load(state)
		violations = r.Violations(violationsLimit)
	}

	if len(violations) == 0 {
		fmt.Println("No violations recorded.")
		return nil
	}
	for _, v := range violations {
		printViolation(v)
	}
	return nil
}

func printViolation(v domain.Violation) {
	fmt.Printf("  %s  %-12s %-20s %s\n", v.Timestamp.Local().Format(time.DateTime), v.AgentID, v.Hostname, v.ProcessName)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Println("\n=== Monitored Steam Processes ===")
	for _, platform := range policy.KnownPlatforms() {
		fmt.Printf("\n[%s]\n", platform)
		for i, name := range policy.ProcessNames(platform) {
			if i == 0 {
				fmt.Printf("  - %s (main)\n", name)
				continue
			}
			fmt.Printf("  - %s\n", name)
		}
	}

	paths := steamPaths(cfg)
	fmt.Printf("\nSteam on this machine (%s):\n", runtime.GOOS)
	if !paths.Installed() {
		fmt.Println("  not installed")
	} else {
		fmt.Printf("  Base:      %s\n", paths.Base)
		fmt.Printf("  Config:    %s\n", orNone(paths.Config))
		fmt.Printf("  Userdata:  %s\n", orNone(paths.UserData))
		fmt.Printf("  Steamapps: %s\n", orNone(paths.SteamApps))
	}
	fmt.Println("\n=================================")
	return nil
}

func runGames(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	paths := steamPaths(cfg)
	if !paths.Installed() {
		fmt.Println("Steam is not installed on this machine.")
		return nil
	}
	decoder := vdf.NewDecoder(logger.Named("vdf"))

	if paths.UserData != "" {
		configs, _ := filepath.Glob(filepath.Join(paths.UserData, "*", "config", "localconfig.vdf"))
		for _, path := range configs {
			name, err := decoder.PersonaName(path)
			if err != nil || name == "" {
				continue
			}
			fmt.Printf("Persona: %s\n", name)
		}
	}

	if paths.Config != "" {
		ps, err := decoder.ParentalSettings(filepath.Join(paths.Config, "config.vdf"))
		if err == nil {
			fmt.Printf("Family View: %s\n", lockedLabel(ps))
		}
	}

	games, err := decoder.InstalledGames(paths.SteamApps)
	if err != nil {
		return err
	}
	fmt.Printf("\nInstalled games (%d):\n", len(games))
	for _, g := range games {
		fmt.Printf("  %-10s %s\n", g.AppID, g.Name)
	}
	return nil
}

func lockedLabel(ps *vdf.ParentalSettings) string {
	if ps != nil && ps.Locked() {
		return "enabled"
	}
	return "disabled"
}

func orNone(s string) string {
	if s == "" {
		return "(missing)"
	}
	return s
}

func runInstall(cmd *cobra.Command, args []string) error {
	if runtime.GOOS != "darwin" {
		return fmt.Errorf("install is only supported on macOS")
	}
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	cfgPath := configPath
	if cfgPath != "" {
		if cfgPath, err = filepath.Abs(cfgPath); err != nil {
			return err
		}
	}

	execMode := infra.DetectExecMode()
	svc := infra.NewLaunchdService(execMode)
	if svc.IsInstalled() && !svc.NeedsUpdate(execPath, cfgPath) {
		fmt.Printf("steamwatch is already installed (%s)\n", svc.PlistPath())
		return nil
	}
	if err := svc.Install(execPath, cfgPath); err != nil {
		return err
	}
	fmt.Printf("Installed %s service: %s\n", execMode.Mode, svc.PlistPath())
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	svc := infra.NewLaunchdService(infra.DetectExecMode())
	if !svc.IsInstalled() {
		fmt.Println("steamwatch service is not installed")
		return nil
	}
	if err := svc.Uninstall(); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", svc.PlistPath())
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	token, err := httpToken(cfg, resolveDataDir(cfg, infra.DetectExecMode()))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
		return
	}
	fmt.Printf("steamwatch %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
}

// httpToken returns the configured HTTP token, or the one generated in the
// data dir on first run.
func httpToken(cfg *config.Config, dataDir string) (string, error) {
	if cfg.HTTP.Token != "" {
		return cfg.HTTP.Token, nil
	}
	token, err := infra.NewFileSecretStore(dataDir).HTTPToken()
	if err != nil {
		return "", fmt.Errorf("failed to get http token: %w", err)
	}
	return token, nil
}

func resolveDataDir(cfg *config.Config, execMode *infra.ExecModeConfig) string {
	if cfg.DataDir != "" {
		return cfg.DataDir
	}
	return execMode.DataDir
}

// openStore opens the configured state backend. The returned func closes it.
func openStore(cfg *config.Config, dataDir string) (domain.StateStore, func(), error) {
	switch cfg.State.Backend {
	case config.BackendEncrypted:
		store, err := infra.OpenEncryptedStateStore(dataDir, infra.NewFileSecretStore(dataDir))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open encrypted state: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return infra.NewFileStateStore(dataDir), func() {}, nil
	}
}

// offlineHandlers serves read-only requests from persisted state without
// any agent connection.
func offlineHandlers(cfg *config.Config, logger *zap.Logger) (*usecase.Handlers, func(), error) {
	store, closeStore, err := openStore(cfg, resolveDataDir(cfg, infra.DetectExecMode()))
	if err != nil {
		return nil, nil, err
	}
	state, err := store.Load()
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	r := usecase.NewReconciler(nil, nil, logger)
	r.Load(state)
	return usecase.NewHandlers(r, nil, logger), closeStore, nil
}

func steamPaths(cfg *config.Config) policy.Paths {
	resolver := policy.NewResolver(infra.NewFileSystemManager(), infra.RealUserHome())
	if cfg.Steam.BaseDir != "" {
		resolver = resolver.WithBaseDir(cfg.Steam.BaseDir)
	}
	return resolver.Resolve(domain.ParsePlatform(runtime.GOOS))
}

// localAgentID returns the configured id, or one derived from the hostname
// so it is stable across restarts.
func localAgentID(cfg *config.Config) string {
	if cfg.LocalAgent.ID != "" {
		return cfg.LocalAgent.ID
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname)).String()
}

// createLogger writes console output to stderr and, when a log file is
// configured, JSON lines to a rotated file.
func createLogger(cfg *config.Config) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	level := zap.NewAtomicLevelAt(cfg.LogLevel())

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level),
	}
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0755); err == nil {
			rotator := &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   true,
			}
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level))
		}
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
