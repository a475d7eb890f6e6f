package cmn

import (
	"io/ioutil"

	"gopkg.in/yaml.v2"
)

// Config is the ambient configuration surface for the download engine,
// mirroring the teacher's yaml-driven cmn.Config convention. It carries
// only the knobs the core (not the façade) needs to run.
type Config struct {
	Downloader struct {
		SimultaneousDownloads int `yaml:"simultaneous_downloads"`
		NumberOfRetries       int `yaml:"number_of_retries"`
	} `yaml:"downloader"`

	Cache struct {
		Dir       string `yaml:"dir"`
		IndexPath string `yaml:"index_path"`
	} `yaml:"cache"`
}

// DefaultConfig returns conservative defaults matching the spec's stated
// defaults (numberOfRetries default e.g. 3; simultaneousDownloads clamped
// to at least 1).
func DefaultConfig() *Config {
	c := &Config{}
	c.Downloader.SimultaneousDownloads = 4
	c.Downloader.NumberOfRetries = 3
	c.Cache.Dir = "./resourcedl-cache"
	c.Cache.IndexPath = "./resourcedl-cache/index.db"
	return c
}

// LoadConfig reads and validates a yaml config file, falling back to
// DefaultConfig's values for anything left unset.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, Wrap(err, "read config %q", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, Wrap(err, "parse config %q", path)
	}
	if c.Downloader.SimultaneousDownloads < 1 {
		c.Downloader.SimultaneousDownloads = 1
	}
	if c.Downloader.NumberOfRetries < 0 {
		c.Downloader.NumberOfRetries = 0
	}
	return c, nil
}
