package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// LaunchdLabel is the launchd job label for the steamwatch host.
const LaunchdLabel = "com.steamwatch.host"

// plistTemplate runs `steamwatch run` at load and restarts it when it exits
// abnormally. System mode keeps it alive unconditionally.
const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>run</string>{{if .ConfigPath}}
        <string>--config</string>
        <string>{{.ConfigPath}}</string>{{end}}
    </array>

    <key>RunAtLoad</key>
    <true/>
{{if .System}}
    <key>KeepAlive</key>
    <true/>
{{else}}
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>

    <key>ProcessType</key>
    <string>Background</string>
{{end}}
    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>

    <key>StandardErrorPath</key>
    <string>{{.ErrorLogPath}}</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>
`

type plistConfig struct {
	Label          string
	ExecutablePath string
	ConfigPath     string
	LogPath        string
	ErrorLogPath   string
	System         bool
}

// LaunchdService implements domain.ServiceManager with a launchd plist:
// a LaunchAgent in user mode, a LaunchDaemon in system mode.
type LaunchdService struct {
	mode      ExecMode
	logDir    string
	plistPath string
	run       func(name string, args ...string) error
}

// NewLaunchdService creates a service manager for the execution mode.
func NewLaunchdService(config *ExecModeConfig) *LaunchdService {
	plistDir := "/Library/LaunchDaemons"
	if config.Mode == ExecModeUser {
		plistDir = filepath.Join(RealUserHome(), "Library", "LaunchAgents")
	}
	return NewLaunchdServiceWithPath(config, filepath.Join(plistDir, LaunchdLabel+".plist"))
}

// NewLaunchdServiceWithPath creates a service manager writing the plist to
// plistPath (for testing).
func NewLaunchdServiceWithPath(config *ExecModeConfig, plistPath string) *LaunchdService {
	return &LaunchdService{
		mode:      config.Mode,
		logDir:    config.LogDir,
		plistPath: plistPath,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// WithRunner replaces the command runner used for launchctl (for testing).
func (s *LaunchdService) WithRunner(run func(name string, args ...string) error) *LaunchdService {
	s.run = run
	return s
}

// PlistPath returns the plist file path.
func (s *LaunchdService) PlistPath() string {
	return s.plistPath
}

func (s *LaunchdService) render(execPath, configPath string) ([]byte, error) {
	cfg := plistConfig{
		Label:          LaunchdLabel,
		ExecutablePath: execPath,
		ConfigPath:     configPath,
		LogPath:        filepath.Join(s.logDir, "launchd.out.log"),
		ErrorLogPath:   filepath.Join(s.logDir, "launchd.err.log"),
		System:         s.mode == ExecModeSystem,
	}

	tmpl, err := template.New("plist").Parse(plistTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plist template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to execute plist template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the plist and loads it. An existing job is unloaded first.
func (s *LaunchdService) Install(execPath, configPath string) error {
	content, err := s.render(execPath, configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.plistPath), 0755); err != nil {
		return fmt.Errorf("failed to create plist directory: %w", err)
	}
	if err := os.MkdirAll(s.logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	if s.IsInstalled() {
		_ = s.run("launchctl", "unload", s.plistPath)
	}
	if err := os.WriteFile(s.plistPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write plist: %w", err)
	}
	if err := s.run("launchctl", "load", s.plistPath); err != nil {
		return fmt.Errorf("failed to load %s: %w", LaunchdLabel, err)
	}
	return nil
}

// Uninstall unloads and removes the plist. A missing plist is not an error.
func (s *LaunchdService) Uninstall() error {
	if !s.IsInstalled() {
		return nil
	}
	_ = s.run("launchctl", "unload", s.plistPath)
	if err := os.Remove(s.plistPath); err != nil {
		return fmt.Errorf("failed to remove plist: %w", err)
	}
	return nil
}

// IsInstalled checks if the plist exists.
func (s *LaunchdService) IsInstalled() bool {
	_, err := os.Stat(s.plistPath)
	return err == nil
}

// NeedsUpdate reports whether an installed plist differs from the one
// Install would write now.
func (s *LaunchdService) NeedsUpdate(execPath, configPath string) bool {
	if !s.IsInstalled() {
		return false
	}
	current, err := os.ReadFile(s.plistPath)
	if err != nil {
		return true
	}
	expected, err := s.render(execPath, configPath)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// Ensure LaunchdService implements domain.ServiceManager.
var _ domain.ServiceManager = (*LaunchdService)(nil)
