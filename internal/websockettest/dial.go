package websockettest

import (
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gorilla/websocket"
)

// Dial establishes a WebSocket connection against a httptest server URL.
func Dial(server *httptest.Server, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, header)
}

// DialIgnoringPongs establishes a WebSocket connection and disables the
// automatic ping/pong responses so that tests can simulate an unresponsive
// peer.
func DialIgnoringPongs(server *httptest.Server, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := Dial(server, path, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
