package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"

	"github.com/adforge/api/internal/model"
)

const pingInterval = 30 * time.Second

// Client is one WebSocket subscriber of a job
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte

	done chan struct{}
}

// BroadcastMessage is a message for every subscriber of a job
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// Hub fans job changes out to WebSocket subscribers. It observes the job
// registry, so every committed write reaches the subscribers of that job.
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	stopped    chan struct{}

	mu  sync.RWMutex
	log logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stopped:    make(chan struct{}),
		log:        log,
	}
}

// Run serves registrations and broadcasts until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for jobID, clients := range h.clients {
				for client := range clients {
					close(client.done)
				}
				delete(h.clients, jobID)
			}
			h.mu.Unlock()
			close(h.stopped)
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.WithField("job_id", client.JobID).Debug("WebSocket client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.WithField("job_id", client.JobID).Debug("WebSocket client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// Slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// subscribe hands client to Run. It reports false once the hub has stopped.
func (h *Hub) subscribe(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

// remove drops client; the caller holds h.mu
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.done)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Subscribers returns how many clients follow jobID
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// JobChanged publishes a committed job write. It never blocks the writer; when
// the broadcast buffer is full the update is dropped.
func (h *Hub) JobChanged(job *model.Job) {
	data, err := json.Marshal(Message(job))
	if err != nil {
		h.log.WithError(err).WithField("job_id", job.ID).Warn("Failed to marshal job update")
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: job.ID, Message: data}:
	default:
		h.log.WithField("job_id", job.ID).Warn("Broadcast buffer full, dropping job update")
	}
}

// Message builds the WebSocket message describing job's current state
func Message(job *model.Job) interface{} {
	switch job.Status {
	case model.JobStatusCompleted:
		return model.WSCompleteMessage{
			Type:   model.WSMessageTypeComplete,
			JobID:  job.ID,
			Result: job.ResultPayload,
		}
	case model.JobStatusFailed, model.JobStatusCancelled, model.JobStatusExpired:
		message := job.CurrentStep
		if job.ErrorMessage != nil {
			message = *job.ErrorMessage
		}
		return model.WSErrorMessage{
			Type:   model.WSMessageTypeError,
			JobID:  job.ID,
			Status: job.Status,
			Error: model.WSError{
				Code:    "JOB_" + strings.ToUpper(string(job.Status)),
				Message: message,
			},
		}
	default:
		return model.WSProgressMessage{
			Type:        model.WSMessageTypeProgress,
			JobID:       job.ID,
			Progress:    job.Progress,
			Status:      job.Status,
			CurrentStep: job.CurrentStep,
		}
	}
}

// HandleConnection streams updates of job to c until either side closes. The
// current state is sent first.
func (h *Hub) HandleConnection(c *websocket.Conn, job *model.Job) {
	client := &Client{
		JobID: job.ID,
		Conn:  c,
		Send:  make(chan []byte, 256),
		done:  make(chan struct{}),
	}

	if snapshot, err := json.Marshal(Message(job)); err == nil {
		client.Send <- snapshot
	}

	if !h.subscribe(client) {
		_ = c.WriteMessage(websocket.CloseMessage, []byte{})
		return
	}
	defer func() {
		select {
		case h.unregister <- client:
		case <-client.done:
		case <-h.stopped:
		}
	}()

	go h.writePump(client)

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("job_id", job.ID).Debug("WebSocket read error")
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			case <-client.done:
				return
			default:
			}
		}
	}
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			_ = client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
