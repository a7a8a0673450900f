package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Tyrowin/roomrelay/internal/metrics"
	"github.com/gorilla/websocket"
)

const healthMessage = "RoomRelay server is running!"

// Server serves the HTTP surface of the relay: the WebSocket endpoint, the
// room snapshot and the operational pages.
type Server struct {
	cfg      Config
	log      *slog.Logger
	hub      Hub
	metrics  *metrics.Metrics
	origins  *OriginPolicy
	upgrader websocket.Upgrader
}

// New creates a Server from an already sanitized configuration.
func New(cfg Config, log *slog.Logger, hub Hub, m *metrics.Metrics) *Server {
	origins := NewOriginPolicy(log, cfg.Origins())
	return &Server{
		cfg:     cfg,
		log:     log,
		hub:     hub,
		metrics: m,
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
	}
}

// WebSocketHandler upgrades the request, registers the new client with the
// hub and starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, s.cfg, s.log, s.metrics, r.RemoteAddr)
	id, err := s.hub.Connect(client)
	if err != nil {
		s.log.Warn("Rejected WebSocket connection", "addr", r.RemoteAddr, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}

	client.Start(id)
}

// RoomsHandler returns the current occupancy as a JSON object of room name to
// member count.
func (s *Server) RoomsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.Occupancy()); err != nil {
		s.log.Error("Error writing rooms response", "error", err)
	}
}

// HealthHandler responds with a plain text status line.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, healthMessage)
}

// TestPageHandler serves a small HTML client for trying the room protocol
// from a browser.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>RoomRelay WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #rooms { margin: 10px 0; color: #333; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>RoomRelay WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>
    <button id="connectButton" onclick="toggleConnection()">Connect</button>

    <div>
        <input type="text" id="usernameInput" placeholder="Username">
        <button onclick="send({action: 'identify', username: usernameInput.value})">Identify</button>
    </div>
    <div>
        <input type="text" id="roomInput" placeholder="Room" value="default">
        <button onclick="send({action: 'createRoom', room: roomInput.value})">Create</button>
        <button onclick="send({action: 'joinRoom', room: roomInput.value})">Join</button>
        <button onclick="send({action: 'leaveRoom', room: roomInput.value})">Leave</button>
        <button onclick="send({action: 'deleteRoom', room: roomInput.value})">Delete</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="rooms"></div>
    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const roomsDiv = document.getElementById('rooms');
        const usernameInput = document.getElementById('usernameInput');
        const roomInput = document.getElementById('roomInput');
        const messageInput = document.getElementById('messageInput');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '5px 0';
            line.style.color = color || 'gray';
            line.textContent = text;
            messagesDiv.appendChild(line);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function handleEvent(event) {
            const p = event.payload || {};
            switch (event.action) {
                case 'roomsList':
                    roomsDiv.textContent = 'Rooms: ' + Object.entries(p.rooms || {})
                        .map(([name, count]) => name + ' (' + count + ')').join(', ');
                    break;
                case 'joined':
                    addLine('Joined ' + p.room);
                    break;
                case 'left':
                    addLine('Left ' + p.room);
                    break;
                case 'message':
                    addLine('[' + p.room + '] ' + p.from + ': ' + p.message, 'green');
                    break;
                case 'error':
                    addLine('Error: ' + p.reason + (p.detail ? ' - ' + p.detail : ''), 'red');
                    break;
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => { addLine('Connected'); updateStatus(true); };
            ws.onmessage = (e) => handleEvent(JSON.parse(e.data));
            ws.onclose = () => { addLine('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = () => { addLine('Connection error'); updateStatus(false); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function send(frame) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(frame));
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message) {
                send({action: 'sendMessage', room: roomInput.value, message: message});
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', (e) => {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
