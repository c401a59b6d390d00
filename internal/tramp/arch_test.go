package tramp

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapture(t *testing.T) {
	n, err := AMD64.Capture(amd64Prologue)
	require.NoError(t, err)
	assert.Equal(t, 17, n)

	n, err = ARM64.Capture(arm64Prologue)
	require.NoError(t, err)
	assert.Equal(t, 16, n)

	endbr := append([]byte{0xf3, 0x0f, 0x1e, 0xfa}, amd64Prologue...)
	n, err = AMD64.Capture(endbr)
	require.NoError(t, err)
	assert.Equal(t, 17, n)

	_, err = AMD64.Capture(amd64Prologue[:9])
	assert.ErrorIs(t, err, ErrRegionTooSmall)

	_, err = ARM64.Capture(arm64Prologue[:14])
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestJumpEncoding(t *testing.T) {
	assert.Equal(t, []byte{
		0xff, 0x25, 0x00, 0x00, 0x00, 0x00,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}, AMD64.Jump(0x1122334455667788))

	assert.Equal(t, append(words(0x58000050, 0xd61f0200), 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11),
		ARM64.Jump(0x1122334455667788))

	for _, arch := range []*Arch{AMD64, ARM64} {
		assert.Len(t, arch.Jump(0), arch.PatchSize, arch.Name)
	}
}

func TestRedirect_Padding(t *testing.T) {
	r := AMD64.Redirect(0x1000, 17)
	assert.Len(t, r, 17)
	assert.Equal(t, []byte{0x90, 0x90, 0x90}, r[14:])

	assert.Equal(t, ARM64.Jump(0x1000), ARM64.Redirect(0x1000, 16))
	assert.Equal(t, ARM64.NOP, ARM64.Redirect(0x1000, 20)[16:])
}

func TestNative(t *testing.T) {
	arch, err := Native()
	switch runtime.GOARCH {
	case "amd64", "arm64":
		require.NoError(t, err)
		assert.Equal(t, runtime.GOARCH, arch.Name)
	default:
		assert.ErrorIs(t, err, ErrUnsupportedArch)
	}
}
