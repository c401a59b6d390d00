package proc

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `55d4c2a00000-55d4c2a2c000 r--p 00000000 08:01 1311   /usr/bin/ruby1.8
55d4c2a2c000-55d4c2b10000 r-xp 0002c000 08:01 1311   /usr/bin/ruby1.8
7f1a2c000000-7f1a2c021000 rw-p 00000000 00:00 0
7f1a2c100000-7f1a2c400000 r--p 00000000 08:01 99     /usr/lib/locale/locale-archive
7f1a2d400000-7f1a2d428000 r--p 00000000 08:01 2200   /usr/lib/x86_64-linux-gnu/libc.so.6
7f1a2d428000-7f1a2d5bd000 r-xp 00028000 08:01 2200   /usr/lib/x86_64-linux-gnu/libc.so.6
7ffd1e1f0000-7ffd1e211000 rw-p 00000000 00:00 0      [stack]
garbage line
7ffd1e3f0000-7ffd1e3f2000 r-xp 00000000 00:00 0      [vdso]
`

func TestParseMaps(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, maps, 8)

	text := maps[1]
	assert.Equal(t, uint64(0x55d4c2a2c000), text.Start)
	assert.Equal(t, uint64(0x55d4c2b10000), text.End)
	assert.Equal(t, uint64(0x2c000), text.Offset)
	assert.Equal(t, "/usr/bin/ruby1.8", text.Path)
	assert.Equal(t, uint64(1311), text.Inode)
	assert.True(t, text.Executable())
	assert.True(t, text.Contains(0x55d4c2a2c010))
	assert.False(t, text.Contains(0x55d4c2b10000))

	assert.Empty(t, maps[2].Path)
	assert.False(t, maps[0].Executable())
}

func TestImages(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/usr/bin/ruby1.8",
		"/usr/lib/x86_64-linux-gnu/libc.so.6",
	}, Images(maps))
}

func TestParseMaps_DeletedSuffix(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(
		"400000-401000 r-xp 00000000 08:01 7 /tmp/ruby (deleted)\n"))
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, "/tmp/ruby", maps[0].Path)
}

func TestReadMaps_Self(t *testing.T) {
	if _, err := os.Stat(SelfMapsPath); err != nil {
		t.Skip("Skipping test: /proc not available (not on Linux)")
	}

	maps, err := ReadMaps(SelfMapsPath)
	require.NoError(t, err)
	assert.NotEmpty(t, maps)

	exe, err := SelfExe()
	require.NoError(t, err)
	assert.Contains(t, Images(maps), exe)
}

func TestGetKernelVersion(t *testing.T) {
	assert.NotEmpty(t, GetKernelVersion())
}
