package segments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-p2p-loader/internal/media"
)

const variantPlaylist = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:4.0,
seg10.ts
#EXTINF:4.0,title
seg11.ts
#EXTINF:3.5,
seg12.ts
#EXT-X-ENDLIST
`

func TestParseManifest_variant(t *testing.T) {
	m, err := ParseManifest(variantPlaylist)
	require.NoError(t, err)

	assert.False(t, m.IsMaster())
	assert.Equal(t, int64(10), m.MediaSequence)
	assert.Equal(t, 4, m.TargetDuration)
	assert.True(t, m.EndList)
	require.Len(t, m.Segments, 3)
	assert.Equal(t, "seg11.ts", m.Segments[1].URI)
	assert.Equal(t, 3.5, m.Segments[2].Duration)
	assert.Nil(t, m.Segments[0].Range)
}

func TestParseManifest_master(t *testing.T) {
	m, err := ParseManifest(`#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.4d401f,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000
high/index.m3u8?token=abc
`)
	require.NoError(t, err)

	assert.True(t, m.IsMaster())
	require.Len(t, m.Playlists, 2)
	assert.Equal(t, "low/index.m3u8", m.Playlists[0].URI)
	assert.Equal(t, `BANDWIDTH=800000,CODECS="avc1.4d401f,mp4a.40.2"`, m.Playlists[0].Attributes)
	assert.Equal(t, "high/index.m3u8?token=abc", m.Playlists[1].URI)
	assert.Empty(t, m.Segments)
}

func TestParseManifest_byte_ranges(t *testing.T) {
	m, err := ParseManifest(`#EXTM3U
#EXTINF:2,
#EXT-X-BYTERANGE:1000@500
main.mp4
#EXTINF:2,
#EXT-X-BYTERANGE:800
main.mp4
#EXTINF:2,
other.ts
#EXTINF:2,
#EXT-X-BYTERANGE:100
tail.mp4
`)
	require.NoError(t, err)
	require.Len(t, m.Segments, 4)

	assert.Equal(t, &media.ByteRange{Offset: 500, Length: 1000}, m.Segments[0].Range)
	assert.Equal(t, &media.ByteRange{Offset: 1500, Length: 800}, m.Segments[1].Range, "offset continues from the previous range")
	assert.Nil(t, m.Segments[2].Range)
	assert.Equal(t, &media.ByteRange{Offset: 0, Length: 100}, m.Segments[3].Range)
}

func TestParseManifest_invalid(t *testing.T) {
	tests := map[string]string{
		"empty":            "",
		"no header":        "seg1.ts\n",
		"bad sequence":     "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:abc\n",
		"bad duration":     "#EXTM3U\n#EXTINF:x,\nseg.ts\n",
		"bad byte range":   "#EXTM3U\n#EXT-X-BYTERANGE:-1\nseg.ts\n",
		"empty byte range": "#EXTM3U\n#EXT-X-BYTERANGE:0@10\nseg.ts\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest(content)
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}
