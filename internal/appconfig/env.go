package appconfig

import "os"

// Environment variable names, one per config option (spec.md §6.3).
const (
	EnvConfig            = "RESTIC115_CONFIG"
	EnvAccessToken       = "RESTIC115_ACCESS_TOKEN"
	EnvRefreshToken      = "RESTIC115_REFRESH_TOKEN"
	EnvRepoPath          = "RESTIC115_REPO_PATH"
	EnvListenAddr        = "RESTIC115_LISTEN_ADDR"
	EnvLogLevel          = "RESTIC115_LOG_LEVEL"
	EnvAPIBase           = "RESTIC115_API_BASE"
	EnvUserAgent         = "RESTIC115_USER_AGENT"
	EnvCallbackServer    = "RESTIC115_CALLBACK_SERVER"
	EnvDBPath            = "RESTIC115_DB_PATH"
	EnvForceCacheRebuild = "RESTIC115_FORCE_CACHE_REBUILD"
)

// EnvOverrides holds every value found in the environment. Unset variables
// leave their field at its zero value, which applyTo treats as "no
// override" for everything but the boolean (see applyTo).
type EnvOverrides struct {
	ConfigPath        string
	AccessToken       string
	RefreshToken      string
	RepoPath          string
	ListenAddr        string
	LogLevel          string
	APIBase           string
	UserAgent         string
	CallbackServer    string
	DBPath            string
	ForceCacheRebuild *bool
}

// ReadEnvOverrides reads every recognised environment variable.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:        os.Getenv(EnvConfig),
		AccessToken:       os.Getenv(EnvAccessToken),
		RefreshToken:      os.Getenv(EnvRefreshToken),
		RepoPath:          os.Getenv(EnvRepoPath),
		ListenAddr:        os.Getenv(EnvListenAddr),
		LogLevel:          os.Getenv(EnvLogLevel),
		APIBase:           os.Getenv(EnvAPIBase),
		UserAgent:         os.Getenv(EnvUserAgent),
		CallbackServer:    os.Getenv(EnvCallbackServer),
		DBPath:            os.Getenv(EnvDBPath),
		ForceCacheRebuild: readEnvBool(EnvForceCacheRebuild),
	}
}

func readEnvBool(name string) *bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}

	b := v == "1" || v == "true" || v == "yes"

	return &b
}

func (e EnvOverrides) applyTo(cfg *Config) {
	if e.AccessToken != "" {
		cfg.AccessToken = e.AccessToken
	}

	if e.RefreshToken != "" {
		cfg.RefreshToken = e.RefreshToken
	}

	if e.RepoPath != "" {
		cfg.RepoPath = e.RepoPath
	}

	if e.ListenAddr != "" {
		cfg.ListenAddr = e.ListenAddr
	}

	if e.LogLevel != "" {
		cfg.LogLevel = e.LogLevel
	}

	if e.APIBase != "" {
		cfg.APIBase = e.APIBase
	}

	if e.UserAgent != "" {
		cfg.UserAgent = e.UserAgent
	}

	if e.CallbackServer != "" {
		cfg.CallbackServer = e.CallbackServer
	}

	if e.DBPath != "" {
		cfg.DBPath = e.DBPath
	}

	if e.ForceCacheRebuild != nil {
		cfg.ForceCacheRebuild = *e.ForceCacheRebuild
	}
}

// CLIOverrides holds values bound to cobra flags. Same zero-value-means-
// unset convention as EnvOverrides.
type CLIOverrides struct {
	ConfigPath        string
	AccessToken       string
	RefreshToken      string
	RepoPath          string
	ListenAddr        string
	LogLevel          string
	APIBase           string
	UserAgent         string
	CallbackServer    string
	DBPath            string
	ForceCacheRebuild *bool
}

func (c CLIOverrides) applyTo(cfg *Config) {
	if c.AccessToken != "" {
		cfg.AccessToken = c.AccessToken
	}

	if c.RefreshToken != "" {
		cfg.RefreshToken = c.RefreshToken
	}

	if c.RepoPath != "" {
		cfg.RepoPath = c.RepoPath
	}

	if c.ListenAddr != "" {
		cfg.ListenAddr = c.ListenAddr
	}

	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}

	if c.APIBase != "" {
		cfg.APIBase = c.APIBase
	}

	if c.UserAgent != "" {
		cfg.UserAgent = c.UserAgent
	}

	if c.CallbackServer != "" {
		cfg.CallbackServer = c.CallbackServer
	}

	if c.DBPath != "" {
		cfg.DBPath = c.DBPath
	}

	if c.ForceCacheRebuild != nil {
		cfg.ForceCacheRebuild = *c.ForceCacheRebuild
	}
}
