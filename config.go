package pulse

import (
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hyperengineering/pulse/internal/store"
)

// Intervals holds the scheduler and state machine timings.
type Intervals struct {
	// EntriesActive is the entry poll period while a task is running.
	EntriesActive time.Duration
	// EntriesIdle is the entry poll period while no task is running.
	EntriesIdle time.Duration
	// Sessions is the session poll period for participant and display roles.
	Sessions time.Duration
	// Tick advances the elapsed-time counter.
	Tick time.Duration
	// Heartbeat is the participant presence signal period.
	Heartbeat time.Duration
	// LocalPoll is the local store diff period.
	LocalPoll time.Duration
	// Stale is how long after the last successful poll the status becomes
	// reconnecting.
	Stale time.Duration
	// SubmittedHold is how long the submitted status is shown.
	SubmittedHold time.Duration
}

// DefaultIntervals returns the standard timings.
func DefaultIntervals() Intervals {
	return Intervals{
		EntriesActive: 500 * time.Millisecond,
		EntriesIdle:   2 * time.Second,
		Sessions:      time.Second,
		Tick:          time.Second,
		Heartbeat:     15 * time.Second,
		LocalPoll:     250 * time.Millisecond,
		Stale:         10 * time.Second,
		SubmittedHold: 2 * time.Second,
	}
}

func (iv Intervals) withDefaults() Intervals {
	d := DefaultIntervals()
	if iv.EntriesActive <= 0 {
		iv.EntriesActive = d.EntriesActive
	}
	if iv.EntriesIdle <= 0 {
		iv.EntriesIdle = d.EntriesIdle
	}
	if iv.Sessions <= 0 {
		iv.Sessions = d.Sessions
	}
	if iv.Tick <= 0 {
		iv.Tick = d.Tick
	}
	if iv.Heartbeat <= 0 {
		iv.Heartbeat = d.Heartbeat
	}
	if iv.LocalPoll <= 0 {
		iv.LocalPoll = d.LocalPoll
	}
	if iv.Stale <= 0 {
		iv.Stale = d.Stale
	}
	if iv.SubmittedHold <= 0 {
		iv.SubmittedHold = d.SubmittedHold
	}
	return iv
}

// Config configures a Pulse sync context.
type Config struct {
	// SessionID is the shared session identifier all roles join.
	// If empty, resolved using session resolution
	// (explicit > PULSE_SESSION env > saved current session > new ID).
	SessionID string

	// Role is the part this process plays. Defaults to coordinator.
	Role Role

	// ParticipantName is the name a participant submits under.
	ParticipantName string

	// RemoteURL is the base URL of the realtime backend.
	// If empty, operates in local-only mode.
	RemoteURL string

	// APIKey authenticates with the backend.
	APIKey string

	// DataDir is the root directory for local session stores.
	DataDir string

	// DBPath is the path to the local SQLite database.
	// If empty, derived from DataDir and SessionID.
	DBPath string

	// RedisURL enables cross-device broadcast over Redis pub/sub.
	RedisURL string

	// DeviceID identifies this device in entries. Defaults to a random UUID.
	DeviceID string

	// NetworkTimeout bounds every remote call. Defaults to 10 seconds.
	NetworkTimeout time.Duration

	// Intervals overrides the scheduler timings. Zero fields take defaults.
	Intervals Intervals

	// Debug enables verbose logging of transport traffic.
	Debug bool

	// DebugLogPath is the path to write debug logs.
	// Defaults to stderr if empty.
	DebugLogPath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Role:           RoleCoordinator,
		DataDir:        store.DefaultDataDir(),
		DeviceID:       uuid.NewString(),
		NetworkTimeout: 10 * time.Second,
		Intervals:      DefaultIntervals(),
	}
}

// ConfigFromEnv reads configuration from environment variables, loading a
// .env file from the working directory first when one exists.
//
//	PULSE_SESSION          → SessionID
//	PULSE_ROLE             → Role
//	PULSE_NAME             → ParticipantName
//	PULSE_REMOTE_URL       → RemoteURL
//	PULSE_API_KEY          → APIKey
//	PULSE_DATA_DIR         → DataDir
//	PULSE_DB_PATH          → DBPath
//	PULSE_REDIS_URL        → RedisURL
//	PULSE_DEVICE_ID        → DeviceID
//	PULSE_DEBUG            → Debug (any non-empty value enables)
//	PULSE_DEBUG_LOG        → DebugLogPath
//	PULSE_NETWORK_TIMEOUT  → NetworkTimeout (Go duration)
func ConfigFromEnv() Config {
	_ = godotenv.Load()

	cfg := Config{
		SessionID:       os.Getenv("PULSE_SESSION"),
		Role:            Role(os.Getenv("PULSE_ROLE")),
		ParticipantName: os.Getenv("PULSE_NAME"),
		RemoteURL:       os.Getenv("PULSE_REMOTE_URL"),
		APIKey:          os.Getenv("PULSE_API_KEY"),
		DataDir:         os.Getenv("PULSE_DATA_DIR"),
		DBPath:          os.Getenv("PULSE_DB_PATH"),
		RedisURL:        os.Getenv("PULSE_REDIS_URL"),
		DeviceID:        os.Getenv("PULSE_DEVICE_ID"),
		Debug:           os.Getenv("PULSE_DEBUG") != "",
		DebugLogPath:    os.Getenv("PULSE_DEBUG_LOG"),
	}
	if v := os.Getenv("PULSE_NETWORK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.NetworkTimeout = d
		}
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.SessionID == "" {
		return &ValidationError{Field: "SessionID", Message: "required"}
	}
	if err := store.ValidateSessionID(c.SessionID); err != nil {
		return &ValidationError{Field: "SessionID", Message: err.Error()}
	}
	if !c.Role.IsValid() {
		return &ValidationError{Field: "Role", Message: "must be coordinator, participant, or display"}
	}
	if c.DBPath == "" {
		return &ValidationError{Field: "DBPath", Message: "required: path to SQLite database"}
	}
	if c.RemoteURL != "" {
		u, err := url.Parse(c.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "RemoteURL", Message: "must be an absolute http(s) URL"}
		}
	}
	if len(c.ParticipantName) > MaxNameLength {
		return &ValidationError{Field: "ParticipantName", Message: "too long"}
	}
	if c.NetworkTimeout < 0 {
		return &ValidationError{Field: "NetworkTimeout", Message: "must be non-negative"}
	}
	return nil
}

// IsOffline returns true if the context operates in local-only mode.
// Offline mode is determined by RemoteURL being empty.
func (c *Config) IsOffline() bool {
	return c.RemoteURL == ""
}

// WithDefaults fills in default values for unset fields.
// Session resolution: explicit SessionID > PULSE_SESSION env > saved current
// session > new ID. Participants and displays never generate an ID; they
// must be given the coordinator's.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Role == "" {
		c.Role = defaults.Role
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.SessionID == "" {
		if c.Role == RoleCoordinator {
			if resolved, err := store.ResolveSession("", c.DataDir); err == nil {
				c.SessionID = resolved
			}
		} else {
			c.SessionID = os.Getenv(store.EnvSession)
		}
	}
	if c.DBPath == "" && c.SessionID != "" {
		c.DBPath = store.SessionDBPath(c.DataDir, c.SessionID)
	}
	if c.DeviceID == "" {
		c.DeviceID = defaults.DeviceID
	}
	if c.NetworkTimeout == 0 {
		c.NetworkTimeout = defaults.NetworkTimeout
	}
	c.Intervals = c.Intervals.withDefaults()
	return c
}

// StoreDir returns the directory holding the local database file.
func (c *Config) StoreDir() string {
	return filepath.Dir(c.DBPath)
}
