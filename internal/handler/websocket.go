package handler

import (
	"bufio"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/awsl-project/agproxy/internal/event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the envelope pushed to panel clients.
type WSMessage struct {
	Type string      `json:"type"` // "request_update", "log_message", ...
	Data interface{} `json:"data"`
}

// WebSocketHub fans events out to connected panel clients. It implements
// event.Broadcaster.
type WebSocketHub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan WSMessage
	mu        sync.RWMutex
}

func NewWebSocketHub() *WebSocketHub {
	hub := &WebSocketHub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan WSMessage, 100),
	}
	go hub.run()
	return hub
}

func (h *WebSocketHub) run() {
	for msg := range h.broadcast {
		h.mu.Lock()
		for client := range h.clients {
			if err := client.WriteJSON(msg); err != nil {
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade error: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Keep the connection open; inbound frames are heartbeats only.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *WebSocketHub) BroadcastRequest(ev *event.RequestEvent) {
	h.send(WSMessage{Type: "request_update", Data: ev})
}

func (h *WebSocketHub) BroadcastLog(message string) {
	h.send(WSMessage{Type: "log_message", Data: message})
}

func (h *WebSocketHub) BroadcastMessage(messageType string, data interface{}) {
	h.send(WSMessage{Type: messageType, Data: data})
}

// send never blocks the serving path; a full buffer drops the event.
func (h *WebSocketHub) send(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// WebSocketLogWriter tees log output to stdout, a file, and the hub.
type WebSocketLogWriter struct {
	hub     *WebSocketHub
	stdout  io.Writer
	logFile *os.File
}

func NewWebSocketLogWriter(hub *WebSocketHub, stdout io.Writer, logPath string) *WebSocketLogWriter {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("[WS] cannot open log file %s: %v", logPath, err)
	}
	return &WebSocketLogWriter{hub: hub, stdout: stdout, logFile: logFile}
}

func (w *WebSocketLogWriter) Write(p []byte) (n int, err error) {
	n, err = w.stdout.Write(p)
	if err != nil {
		return n, err
	}
	if w.logFile != nil {
		_, _ = w.logFile.Write(p)
	}
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.hub.BroadcastLog(msg)
	}
	return n, nil
}

// ReadLastNLines returns the tail of a log file for the panel's initial
// view. Large files are read backwards in chunks.
func ReadLastNLines(logPath string, n int) ([]string, error) {
	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() < 1024*1024 {
		var lines []string
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		if len(lines) <= n {
			return lines, nil
		}
		return lines[len(lines)-n:], nil
	}

	chunkSize := int64(8192)
	offset := stat.Size()
	var chunks [][]byte

	for offset > 0 && countNewlines(chunks) < n+1 {
		readSize := chunkSize
		if offset < chunkSize {
			readSize = offset
		}
		offset -= readSize

		chunk := make([]byte, readSize)
		if _, err := file.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return nil, err
		}
		chunks = append([][]byte{chunk}, chunks...)
	}

	var allData []byte
	for _, chunk := range chunks {
		allData = append(allData, chunk...)
	}

	var nonEmpty []string
	for _, line := range strings.Split(string(allData), "\n") {
		if strings.TrimSpace(line) != "" {
			nonEmpty = append(nonEmpty, line)
		}
	}
	if len(nonEmpty) <= n {
		return nonEmpty, nil
	}
	return nonEmpty[len(nonEmpty)-n:], nil
}

func countNewlines(chunks [][]byte) int {
	count := 0
	for _, chunk := range chunks {
		for _, b := range chunk {
			if b == '\n' {
				count++
			}
		}
	}
	return count
}
