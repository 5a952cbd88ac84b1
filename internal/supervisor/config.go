package supervisor

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// AppConfig is an app directory's config.toml (§4.7, §6): name, launch
// kind, optional start-after dependency, and whether route changes trigger
// a reload.
//
// Kind names a language runtime (e.g. "python"); the supervisor spawns the
// helper binary "<kind>-runtime" with arguments [app_dir, venv?] (§6). Venv
// is only meaningful for kind="python".
type AppConfig struct {
	Name       string `toml:"name"`
	Kind       string `toml:"kind"`
	Venv       string `toml:"venv"`
	After      string `toml:"after"`
	AutoReload bool   `toml:"auto_reload"`
}

// runtimeHelper returns the "<kind>-runtime" helper binary name this app's
// kind launches through.
func (c AppConfig) runtimeHelper() string {
	return c.Kind + "-runtime"
}

// runtimeArgs returns the arguments passed to the runtime helper: the app
// directory, plus the venv path when one is configured.
func (c AppConfig) runtimeArgs(dir string) []string {
	if c.Venv != "" {
		return []string{dir, c.Venv}
	}
	return []string{dir}
}

// loadAppConfig reads dir/config.toml.
func loadAppConfig(dir string) (AppConfig, error) {
	var cfg AppConfig
	_, err := toml.DecodeFile(filepath.Join(dir, "config.toml"), &cfg)
	return cfg, err
}
