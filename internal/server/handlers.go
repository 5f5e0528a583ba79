package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

// webSocketHandler authenticates the request, checks its Origin, records the
// user, upgrades the connection and attaches it to the hub.
func (s *Server) webSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !s.origins.check(r) {
		s.metrics.ObserveConnection("rejected")
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	principal, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Info("rejected websocket connection", "addr", r.RemoteAddr, "error", err)
		s.metrics.ObserveConnection("rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := s.backend.UpsertUser(r.Context(), protocol.UserSummary{
		ID:          principal.Identity,
		DisplayName: principal.DisplayName,
	}); err != nil {
		s.logger.Warn("failed to record user", "identity", principal.Identity, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, principal, r.RemoteAddr, s.cfg.Limits, s.logger)
	if err := s.hub.attach(client); err != nil {
		s.logger.Info("refusing connection", "identity", principal.Identity, "error", err)
		client.closeConnection()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

type healthStatus struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
	ActiveCalls int    `json:"activeCalls"`
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthStatus{
		Status:      "ok",
		Connections: s.registry.Count(),
		Online:      s.registry.OnlineCount(),
		ActiveCalls: s.machine.ActiveCalls(),
	})
}

// TestPageHandler serves an HTML page for exercising the websocket protocol
// by hand: connect as a user and send raw event frames.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; font-family: monospace; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        textarea { width: 500px; height: 60px; font-family: monospace; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        .connected { color: #155724; }
        .disconnected { color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat WebSocket Test</h1>
    <div id="status" class="disconnected">Disconnected</div>
    <div>
        <input type="text" id="userId" placeholder="user id">
        <input type="text" id="name" placeholder="display name">
        <button onclick="toggleConnection()" id="connectButton">Connect</button>
    </div>
    <div>
        <textarea id="frame">{"event":"search","data":{"query":""}}</textarea>
        <button onclick="sendFrame()">Send</button>
    </div>
    <div id="log"></div>
    <script>
        let ws = null;
        const log = document.getElementById('log');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = text;
            log.appendChild(line);
            log.scrollTop = log.scrollHeight;
        }

        function setStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = connected ? 'connected' : 'disconnected';
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const params = new URLSearchParams({
                userId: document.getElementById('userId').value,
                name: document.getElementById('name').value,
            });
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?' + params.toString());
            ws.onopen = () => setStatus(true);
            ws.onmessage = (event) => addLine('<- ' + event.data, 'green');
            ws.onclose = () => { setStatus(false); ws = null; };
            ws.onerror = () => addLine('connection error', 'red');
        }

        function sendFrame() {
            const frame = document.getElementById('frame').value.trim();
            if (frame && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(frame);
                addLine('-> ' + frame, 'blue');
            }
        }
    </script>
</body>
</html>`
