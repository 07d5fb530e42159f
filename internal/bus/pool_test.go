package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wazo-platform/wazo-websocketd/internal/logging"
)

func TestPool_RoundRobin(t *testing.T) {
	p := NewPool(3, "amqp://unused", 10*time.Second, logging.Discard())

	first := p.Next()
	second := p.Next()
	third := p.Next()
	fourth := p.Next()

	assert.NotSame(t, first, second)
	assert.NotSame(t, second, third)
	assert.Same(t, first, fourth, "round robin must wrap back to the first connection")
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(0))
	assert.Equal(t, 2*time.Second, backoffDelay(1))
	assert.Equal(t, 4*time.Second, backoffDelay(2))
	assert.Equal(t, 8*time.Second, backoffDelay(3))
	assert.Equal(t, 16*time.Second, backoffDelay(4))
	assert.Equal(t, 32*time.Second, backoffDelay(5))
	assert.Equal(t, 32*time.Second, backoffDelay(50))
}
