package controller

import (
	"fmt"
	"runtime"

	"github.com/wazo-platform/wazo-websocketd/internal/config"
)

func numCPU() int {
	return runtime.NumCPU()
}

func wsListenAddr(ws config.Websocket) string {
	return fmt.Sprintf("%s:%d", ws.Listen, ws.Port)
}
