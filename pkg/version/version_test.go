package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	s := String()

	assert.Contains(t, s, "memprof "+Version)
	assert.Contains(t, s, runtime.GOARCH)
	assert.Equal(t, runtime.Version(), GoVersion)
}
