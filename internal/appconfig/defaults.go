package appconfig

// Default values for every option (spec.md §6.3), chosen to work without
// any config file once access_token/refresh_token are seeded.
const (
	defaultRepoPath   = "/restic-backup"
	defaultListenAddr = "127.0.0.1:8000"
	defaultLogLevel   = "info"
	defaultAPIBase    = "https://proapi.115.com"
	defaultUserAgent  = "restic-rest-gateway/dev"
	dbFileName        = "gateway.db"
)

// DefaultConfig returns a Config populated with every default value. Used
// both as the TOML decode target (unset fields keep their default) and as
// the fallback when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		RepoPath:   defaultRepoPath,
		ListenAddr: defaultListenAddr,
		LogLevel:   defaultLogLevel,
		APIBase:    defaultAPIBase,
		UserAgent:  defaultUserAgent,
		DBPath:     DefaultDBPath(),
	}
}
