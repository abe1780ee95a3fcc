package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Second},
		{"90s", 90 * time.Second},
		{"1500", 1500 * time.Millisecond},
		{"-5s", time.Second},
		{"soon", time.Second},
	}
	for _, tt := range tests {
		t.Setenv("TEST_DURATION", tt.value)
		assert.Equal(t, tt.want, GetEnvDuration("TEST_DURATION", time.Second), tt.value)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD", "x")

	assert.Equal(t, 42, GetEnvInt("TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("TEST_BAD", 1))
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " ws://a:1/peers, ,ws://b:2/peers,")
	assert.Equal(t, []string{"ws://a:1/peers", "ws://b:2/peers"}, GetEnvList("TEST_LIST"))

	t.Setenv("TEST_LIST", "")
	assert.Empty(t, GetEnvList("TEST_LIST"))
}

func TestLoadSettings_defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "PEER_ID", "PEER_URLS", "PEER_FRAMING", "P2P_SEGMENT_DOWNLOAD_TIMEOUT",
		"WEBRTC_MAX_MESSAGE_SIZE", "CACHED_SEGMENT_EXPIRATION", "CACHED_SEGMENTS_COUNT",
		"FORWARD_SEGMENT_COUNT", "SWARM_ID", "SIMULTANEOUS_HTTP_DOWNLOADS", "HTTP_DOWNLOAD_TIMEOUT",
		"UPLOAD_RATE_LIMIT",
	} {
		t.Setenv(key, "")
	}

	s := LoadSettings()
	assert.Equal(t, "8080", s.Port)
	assert.Equal(t, "tagged", s.PeerFraming)
	assert.Equal(t, 60*time.Second, s.P2PSegmentDownloadTimeout)
	assert.Equal(t, 65535, s.MaxMessageSize)
	assert.Equal(t, 5*time.Minute, s.CachedSegmentExpiration)
	assert.Equal(t, 30, s.CachedSegmentsCount)
	assert.Equal(t, 20, s.ForwardSegmentCount)
	assert.Equal(t, 2, s.SimultaneousHTTPDownloads)
	assert.Equal(t, 30*time.Second, s.HTTPDownloadTimeout)
	assert.Zero(t, s.UploadRateLimit)
	assert.Empty(t, s.PeerURLs)

	_, err := uuid.Parse(s.PeerID)
	assert.NoError(t, err, "peer id defaults to a random uuid")
}

func TestLoad_dotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HLS_P2P_TEST_KEY=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("HLS_P2P_TEST_KEY") })

	require.NoError(t, Load(path))
	assert.Equal(t, "from-file", GetEnv("HLS_P2P_TEST_KEY", "fallback"))

	assert.Error(t, Load(filepath.Join(t.TempDir(), "missing.env")))
}
