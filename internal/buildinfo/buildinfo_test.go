package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummary(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	defer func() { Version, Commit, Date = oldVersion, oldCommit, oldDate }()

	Version, Commit, Date = "", "", ""
	assert.Equal(t, "dev", Summary())

	Version, Commit, Date = "1.4.0", "0123456789abcdef", "2026-10-01"
	assert.Equal(t, "1.4.0 (0123456789ab, 2026-10-01)", Summary())
}
