package policy

import (
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// Paths are the Steam locations found on disk. An empty field means the
// directory does not exist; callers treat that as "feature unavailable".
type Paths struct {
	Base      string `json:"base"`
	Config    string `json:"config"`
	UserData  string `json:"userdata"`
	SteamApps string `json:"steamapps"`
}

// Installed reports whether a Steam base directory was found.
func (p Paths) Installed() bool {
	return p.Base != ""
}

// Resolver computes platform-specific Steam locations.
type Resolver struct {
	fs      domain.FileSystemManager
	homeDir string
	getenv  func(string) string
	baseDir string
}

// NewResolver creates a resolver rooted at the given home directory.
func NewResolver(fs domain.FileSystemManager, homeDir string) *Resolver {
	return &Resolver{fs: fs, homeDir: homeDir, getenv: os.Getenv}
}

// WithBaseDir pins the Steam base directory instead of probing candidates.
func (r *Resolver) WithBaseDir(dir string) *Resolver {
	r.baseDir = dir
	return r
}

// WithEnv replaces the environment lookup (for testing).
func (r *Resolver) WithEnv(getenv func(string) string) *Resolver {
	r.getenv = getenv
	return r
}

// Resolve returns the Steam paths for the platform. It never fails: missing
// directories come back empty.
func (r *Resolver) Resolve(p domain.Platform) Paths {
	base := r.findBase(domain.ParsePlatform(string(p)))
	if base == "" {
		return Paths{}
	}
	return Paths{
		Base:      base,
		Config:    r.existing(filepath.Join(base, "config")),
		UserData:  r.existing(filepath.Join(base, "userdata")),
		SteamApps: r.existing(filepath.Join(base, "steamapps")),
	}
}

// Candidates returns the base directories checked for the platform, in order.
func (r *Resolver) Candidates(p domain.Platform) []string {
	if r.baseDir != "" {
		return []string{r.fs.ExpandHome(r.baseDir)}
	}

	switch domain.ParsePlatform(string(p)) {
	case domain.PlatformWindows:
		var out []string
		for _, env := range []string{"ProgramFiles(x86)", "ProgramFiles"} {
			if dir := r.getenv(env); dir != "" {
				out = append(out, filepath.Join(dir, "Steam"))
			}
		}
		return append(out, `C:\Program Files (x86)\Steam`)
	case domain.PlatformDarwin:
		return []string{
			filepath.Join(r.homeDir, "Library", "Application Support", "Steam"),
		}
	case domain.PlatformLinux:
		return []string{
			filepath.Join(r.homeDir, ".steam", "steam"),
			filepath.Join(r.homeDir, ".local", "share", "Steam"),
			// Flatpak install
			filepath.Join(r.homeDir, ".var", "app", "com.valvesoftware.Steam", ".local", "share", "Steam"),
		}
	default:
		return nil
	}
}

func (r *Resolver) findBase(p domain.Platform) string {
	for _, dir := range r.Candidates(p) {
		if r.fs.Exists(dir) {
			return dir
		}
	}
	return ""
}

func (r *Resolver) existing(path string) string {
	if r.fs.Exists(path) {
		return path
	}
	return ""
}
