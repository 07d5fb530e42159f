package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wazo-platform/wazo-websocketd/internal/config"
)

func TestWSListenAddr(t *testing.T) {
	addr := wsListenAddr(config.Websocket{Listen: "0.0.0.0", Port: 9502})
	assert.Equal(t, "0.0.0.0:9502", addr)
}

func TestNumCPU_Positive(t *testing.T) {
	assert.Greater(t, numCPU(), 0)
}
