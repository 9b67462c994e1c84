package vdf

import (
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// ParentalSettings is Steam Family View state from config/config.vdf.
type ParentalSettings struct {
	Settings  string `json:"settings"`
	Signature string `json:"signature"`
}

// Locked reports whether Family View has a settings blob.
func (p ParentalSettings) Locked() bool {
	return p.Settings != ""
}

// Game is an installed title read from a steamapps/appmanifest_*.acf file.
type Game struct {
	AppID      string `json:"appId"`
	Name       string `json:"name"`
	InstallDir string `json:"installDir"`
}

// ParentalSettings reads Family View settings from a config.vdf file.
// It returns nil without error when the file has no ParentalSettings section.
func (d *Decoder) ParentalSettings(path string) (*ParentalSettings, error) {
	tree, err := d.Parse(path, true)
	if err != nil {
		return nil, err
	}
	return parentalSettings(tree), nil
}

func parentalSettings(tree Tree) *ParentalSettings {
	node, ok := tree.Node("InstallConfigStore", "Software", "Valve", "Steam", "ParentalSettings")
	if !ok {
		return nil
	}
	settings, _ := node.String("settings")
	signature, _ := node.String("Signature")
	return &ParentalSettings{Settings: settings, Signature: signature}
}

// PersonaName reads the display name from a userdata/<id>/config/localconfig.vdf file.
// It returns "" without error when the key is absent.
func (d *Decoder) PersonaName(path string) (string, error) {
	tree, err := d.Parse(path, true)
	if err != nil {
		return "", err
	}
	name, _ := tree.String("UserLocalConfigStore", "friends", "PersonaName")
	return name, nil
}

// InstalledGames lists the games whose manifests are in steamappsDir.
// An empty or missing directory yields an empty list. Manifests that fail to
// decode are logged and skipped.
func (d *Decoder) InstalledGames(steamappsDir string) ([]Game, error) {
	games := make([]Game, 0)
	if steamappsDir == "" {
		return games, nil
	}

	manifests, err := filepath.Glob(filepath.Join(steamappsDir, "appmanifest_*.acf"))
	if err != nil {
		return nil, err
	}
	sort.Strings(manifests)

	for _, manifest := range manifests {
		tree, err := d.Parse(manifest, true)
		if err != nil {
			d.logger.Warn("skipping unreadable app manifest",
				zap.String("path", manifest),
				zap.Error(err))
			continue
		}
		state, ok := tree.Node("AppState")
		if !ok {
			continue
		}
		appID, _ := state.String("appid")
		name, _ := state.String("name")
		installDir, _ := state.String("installdir")
		games = append(games, Game{AppID: appID, Name: name, InstallDir: installDir})
	}
	return games, nil
}
