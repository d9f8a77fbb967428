package config

type Config struct {
	Server  ServerConfig
	Dict    DictConfig
	Storage StorageConfig
	Import  ImportConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port      int
	AuthToken string
}

type DictConfig struct {
	BaseURL string
	Token   string
}

type StorageConfig struct {
	DataDir string
}

type ImportConfig struct {
	ChunkSize int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4810,
		},
		Dict: DictConfig{
			BaseURL: "http://localhost:8000",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Import: ImportConfig{
			ChunkSize: 14,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/kotodict/config.json, then applies KOTODICT_* environment
// overrides. Secrets (tokens) come from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
