package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilder(t *testing.T) {
	b := NewBuilder("iov/v1/")

	assert.Equal(t, "iov/v1", b.Root())
	assert.Equal(t, "iov/v1/position/vh-001", b.Build("position", "vh-001"))
	assert.Equal(t, "iov/v1/shutdown/scheduled/+", b.Wildcard("shutdown/scheduled"))
}
