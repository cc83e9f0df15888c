package version

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionPrefersLdflags(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })

	Version = "v1.2.3"
	assert.Equal(t, "v1.2.3", GetVersion())
}

func TestParseBuildTime(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	assert.True(t, want.Equal(parseBuildTime("2024-05-01T12:30:00Z")))
	assert.True(t, want.Equal(parseBuildTime("2024-05-01 12:30:00")))
	assert.True(t, parseBuildTime("unknown").IsZero())
	assert.True(t, parseBuildTime("yesterday").IsZero())
}

func TestBuildInfoString(t *testing.T) {
	bi := &BuildInfo{
		Version:   "v1.0.0",
		GitCommit: "0123456789abcdef",
		GoVersion: "go1.24.4",
		Platform:  "linux/amd64",
		Dirty:     true,
	}
	s := bi.String()
	assert.Contains(t, s, "Version: v1.0.0")
	assert.Contains(t, s, "Commit: 0123456789abcdef (dirty)")
	assert.NotContains(t, s, "Built:")
	assert.Equal(t, "v1.0.0 (0123456)", bi.Short())

	bi.GitCommit = "unknown"
	assert.NotContains(t, bi.String(), "Commit:")
	assert.Equal(t, "v1.0.0", bi.Short())
}
