package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
)

const defaultHeartbeatInterval = 30 * time.Second

// TaskReader loads a task on behalf of a user.
type TaskReader interface {
	GetTaskStatus(ctx context.Context, taskID, userID string) (*entities.TaskRecord, error)
}

// SSEHandler streams task status changes as Server-Sent Events
type SSEHandler struct {
	tasks     TaskReader
	eventBus  providers.EventBus
	heartbeat time.Duration

	mu      sync.RWMutex
	clients map[string]int // channel -> connected clients
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(tasks TaskReader, eventBus providers.EventBus) *SSEHandler {
	return &SSEHandler{
		tasks:     tasks,
		eventBus:  eventBus,
		heartbeat: defaultHeartbeatInterval,
		clients:   make(map[string]int),
	}
}

// WithHeartbeat overrides the keep-alive interval
func (h *SSEHandler) WithHeartbeat(interval time.Duration) *SSEHandler {
	if interval > 0 {
		h.heartbeat = interval
	}
	return h
}

// StreamTaskEvents handles GET /api/validation/tasks/{id}/events.
// The current state is sent first. The stream ends once the task is terminal.
func (h *SSEHandler) StreamTaskEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("id")
	if taskID == "" {
		respondWithError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(observability.WithTask(r.Context(), taskID))
	defer cancel()
	logger := observability.LoggerFromContext(ctx)

	// Subscribe before reading the snapshot so no transition falls in between.
	channel := entities.TaskChannel(taskID)
	var events <-chan *entities.TaskEvent
	if h.eventBus != nil {
		var err error
		if events, err = h.eventBus.Subscribe(ctx, channel); err != nil {
			logger.Error().Err(err).Str("channel", channel).Msg("failed to subscribe to task events")
			respondWithError(w, http.StatusServiceUnavailable, "task events unavailable")
			return
		}
	}

	task, err := h.tasks.GetTaskStatus(ctx, taskID, userID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	h.registerClient(channel)
	defer h.unregisterClient(channel)

	h.sendEvent(w, "snapshot", task)
	flusher.Flush()
	if task.Status.IsTerminal() || events == nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("client disconnected from task stream")
			return
		case <-ticker.C:
			h.sendEvent(w, "heartbeat", map[string]interface{}{
				"timestamp": time.Now(),
			})
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			if event == nil {
				continue
			}
			h.sendEvent(w, string(event.Status), event)
			flusher.Flush()
			if event.Status.IsTerminal() {
				return
			}
		}
	}
}

func (h *SSEHandler) registerClient(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[channel]++
}

func (h *SSEHandler) unregisterClient(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[channel] <= 1 {
		delete(h.clients, channel)
		return
	}
	h.clients[channel]--
}

// sendEvent writes one SSE frame
func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		observability.GetLogger().Error().Err(err).Str("event", eventType).Msg("failed to marshal event data")
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}

// GetClientCount returns the number of connected clients
func (h *SSEHandler) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, n := range h.clients {
		count += n
	}
	return count
}
