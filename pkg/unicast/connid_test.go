package unicast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnIDAllocatorMonotonic(t *testing.T) {
	var a connIDAllocator
	first := a.allocate()
	second := a.allocate()
	assert.Equal(t, first+1, second)
}

func TestConnIDAllocatorWraps(t *testing.T) {
	a := connIDAllocator{next: maxConnID}
	first := a.allocate()
	second := a.allocate()
	assert.Equal(t, maxConnID, first)
	assert.True(t, second < 0 || second == 0, "expected wrap to non-positive, got %d", second)
}
