// Package server is the WebSocket and HTTP front end of the room relay.
//
// It loads the configuration, enforces the origin policy and per-connection
// rate limits, adapts each gorilla/websocket connection to a relay.Sender and
// routes the HTTP endpoints: /ws, /rooms, /metrics, the health line at / and
// the browser test page at /test.
package server
