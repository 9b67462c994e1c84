// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
)

// FakeSteamUserID is the userdata directory the fake install uses.
const FakeSteamUserID = "12345678"

// FakeGame is an installed title written as an appmanifest.
type FakeGame struct {
	AppID      string
	Name       string
	InstallDir string
}

// FakeSteam creates a directory structure mimicking a Steam install.
type FakeSteam struct {
	BaseDir string
}

// NewFakeSteam creates a fake Steam install generator rooted at baseDir.
func NewFakeSteam(baseDir string) *FakeSteam {
	return &FakeSteam{BaseDir: baseDir}
}

// Create writes config.vdf, a localconfig.vdf with persona and one
// appmanifest per game.
func (f *FakeSteam) Create(persona string, games ...FakeGame) error {
	dirs := []string{
		filepath.Join(f.BaseDir, "config"),
		filepath.Join(f.BaseDir, "userdata", FakeSteamUserID, "config"),
		filepath.Join(f.BaseDir, "steamapps", "common"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}

	if err := f.SetFamilyView(""); err != nil {
		return err
	}

	localConfig := fmt.Sprintf(`"UserLocalConfigStore"
{
	"friends"
	{
		"PersonaName"		"%s"
	}
}
`, persona)
	if err := os.WriteFile(f.LocalConfigVDF(), []byte(localConfig), 0644); err != nil {
		return err
	}

	for _, g := range games {
		manifest := fmt.Sprintf(`"AppState"
{
	"appid"		"%s"
	"name"		"%s"
	"installdir"		"%s"
}
`, g.AppID, g.Name, g.InstallDir)
		path := filepath.Join(f.SteamApps(), "appmanifest_"+g.AppID+".acf")
		if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
			return err
		}
	}
	return nil
}

// SetFamilyView rewrites config.vdf. An empty settings blob writes no
// ParentalSettings section.
func (f *FakeSteam) SetFamilyView(settings string) error {
	parental := ""
	if settings != "" {
		parental = fmt.Sprintf(`
				"ParentalSettings"
				{
					"settings"		"%s"
					"Signature"		"sig-%s"
				}`, settings, settings)
	}
	content := fmt.Sprintf(`"InstallConfigStore"
{
	"Software"
	{
		"Valve"
		{
			"Steam"
			{
				"AutoUpdateWindowEnabled"		"0"%s
			}
		}
	}
}
`, parental)
	return os.WriteFile(f.ConfigVDF(), []byte(content), 0644)
}

// ConfigVDF returns the path of config/config.vdf.
func (f *FakeSteam) ConfigVDF() string {
	return filepath.Join(f.BaseDir, "config", "config.vdf")
}

// LocalConfigVDF returns the path of the fake user's localconfig.vdf.
func (f *FakeSteam) LocalConfigVDF() string {
	return filepath.Join(f.BaseDir, "userdata", FakeSteamUserID, "config", "localconfig.vdf")
}

// SteamApps returns the steamapps directory.
func (f *FakeSteam) SteamApps() string {
	return filepath.Join(f.BaseDir, "steamapps")
}

// Cleanup removes the fake install.
func (f *FakeSteam) Cleanup() error {
	return os.RemoveAll(f.BaseDir)
}
