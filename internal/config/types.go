package config

// Config is the on-disk configuration (JSON or YAML).
//
// Secrets may be left out of the file and supplied through the environment
// (or a .env file): BOT_TOKEN, ADMIN_ID, DATABASE_URL. See ApplyEnv.
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Broadcast     BroadcastConfig     `json:"broadcast"`
	Report        ReportConfig        `json:"report,omitempty"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminID is the single Telegram user allowed to run /stat, /mail and /cancel.
	AdminID  int64  `json:"admin_id"`
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// APIURL points at a self-hosted Bot API server. Empty means api.telegram.org.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the subscriber store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./base.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/castbot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres only (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres pool size
}

// BroadcastConfig tunes the fan-out loop. Zero values fall back to the
// built-in pacing: progress every 10 recipients, a 1s pause every 30.
type BroadcastConfig struct {
	ProgressEvery int    `json:"progress_every,omitempty"`
	PauseEvery    int    `json:"pause_every,omitempty"`
	Pause         string `json:"pause,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	// RatePerSec is an optional extra cap on delivery attempts per second. 0 disables it.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// ReportConfig controls the periodic stats digest sent to the admin.
type ReportConfig struct {
	// StatsCron is a cron spec ("0 9 * * *"), a descriptor ("@daily") or an
	// interval ("12h"). Empty disables the digest.
	StatsCron string `json:"stats_cron,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// ObservabilityConfig controls the optional HTTP server exposing /metrics,
// /healthz and (optionally) pprof.
//
// Prefer binding to localhost. A non-loopback address needs a token or
// allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
