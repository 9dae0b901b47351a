package control

import (
	"encoding/json"
	"sync"

	"github.com/NodePath81/fbspeed/internal/engine"
)

const statusSchemaVersion = 1

// Status message types.
const (
	msgUpdate    = "update"
	msgSnapshot  = "snapshot"
	msgCancelled = "cancelled"
	msgError     = "error"
)

type statusMessage struct {
	SchemaVersion int    `json:"schema_version"`
	Type          string `json:"type"`
	*engine.Update
	*statusErrorPayload
}

type statusErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func updateMessage(u engine.Update) statusMessage {
	return statusMessage{SchemaVersion: statusSchemaVersion, Type: msgUpdate, Update: &u}
}

func snapshotMessage(runID string, s engine.Session) statusMessage {
	return statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          msgSnapshot,
		Update: &engine.Update{
			RunID:        runID,
			Phase:        s.Phase,
			Progress:     s.Progress,
			CurrentSpeed: s.CurrentSpeed,
			Result:       s.Result,
			Error:        s.Error,
		},
	}
}

func cancelledMessage(runID string) statusMessage {
	return statusMessage{
		SchemaVersion: statusSchemaVersion,
		Type:          msgCancelled,
		Update:        &engine.Update{RunID: runID, Phase: engine.PhaseIdle},
	}
}

func errorMessage(code, message string) statusMessage {
	return statusMessage{
		SchemaVersion:      statusSchemaVersion,
		Type:               msgError,
		statusErrorPayload: &statusErrorPayload{Code: code, Message: message},
	}
}

// StatusHub fans run updates out to websocket clients. Slow clients drop
// progress messages instead of stalling the run.
type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.CloseAll()
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				client.trySend(data)
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// BroadcastFinal queues a terminal message. It waits for room in the queue
// rather than dropping, until the hub shuts down.
func (h *StatusHub) BroadcastFinal(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.ctxDone:
	}
}

// Publish forwards one engine update to every client. Progress updates may
// be dropped under backlog; the complete update is not.
func (h *StatusHub) Publish(u engine.Update) {
	if u.Phase == engine.PhaseComplete {
		h.BroadcastFinal(updateMessage(u))
		return
	}
	h.Broadcast(updateMessage(u))
}

func (h *StatusHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *StatusHub) CloseAll() {
	h.mu.Lock()
	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*statusClient]struct{})
	h.mu.Unlock()
}

// trySend queues data unless the client is closed or its buffer is full.
func (c *statusClient) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *statusClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
