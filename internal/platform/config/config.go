package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration accepts Go duration syntax ("1m30s") or a bare integer
// number of milliseconds. Invalid or negative values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// GetEnvList splits a comma-separated variable, dropping empty items.
func GetEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Settings is the process configuration read from the environment.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	PeerID                    string
	PeerURLs                  []string
	PeerFraming               string
	P2PSegmentDownloadTimeout time.Duration
	MaxMessageSize            int
	UploadRateLimit           int

	CachedSegmentExpiration time.Duration
	CachedSegmentsCount     int

	ForwardSegmentCount int
	SwarmID             string

	SimultaneousHTTPDownloads int
	HTTPDownloadTimeout       time.Duration
}

// LoadSettings reads Settings, applying defaults for unset variables.
func LoadSettings() Settings {
	return Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		PeerID:                    GetEnv("PEER_ID", uuid.NewString()),
		PeerURLs:                  GetEnvList("PEER_URLS"),
		PeerFraming:               GetEnv("PEER_FRAMING", "tagged"),
		P2PSegmentDownloadTimeout: GetEnvDuration("P2P_SEGMENT_DOWNLOAD_TIMEOUT", 60*time.Second),
		MaxMessageSize:            GetEnvInt("WEBRTC_MAX_MESSAGE_SIZE", 64*1024-1),
		UploadRateLimit:           GetEnvInt("UPLOAD_RATE_LIMIT", 0),

		CachedSegmentExpiration: GetEnvDuration("CACHED_SEGMENT_EXPIRATION", 5*time.Minute),
		CachedSegmentsCount:     GetEnvInt("CACHED_SEGMENTS_COUNT", 30),

		ForwardSegmentCount: GetEnvInt("FORWARD_SEGMENT_COUNT", 20),
		SwarmID:             GetEnv("SWARM_ID", ""),

		SimultaneousHTTPDownloads: GetEnvInt("SIMULTANEOUS_HTTP_DOWNLOADS", 2),
		HTTPDownloadTimeout:       GetEnvDuration("HTTP_DOWNLOAD_TIMEOUT", 30*time.Second),
	}
}
