package session

import "github.com/gorilla/websocket"

const (
	wsTextMessage = websocket.TextMessage
	wsPingMessage = websocket.PingMessage
)

// isCleanClose reports whether err represents a normal, client-initiated
// close frame rather than a transport failure.
func isCleanClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
