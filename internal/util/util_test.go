package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPtr(t *testing.T) {
	p := Ptr(42)
	assert.Equal(t, 42, *p)
}

func TestClockOrSystem(t *testing.T) {
	var c Clock
	now := c.OrSystem()()
	assert.Equal(t, time.UTC, now.Location())

	pinned := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, pinned, FixedClock(pinned).OrSystem()())
}
