package simulator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/lounge-hq/console/internal/hub"
	"github.com/lounge-hq/console/internal/notifications"
)

// Server is a local stand-in for the production realtime hub, used when
// developing the console without a lounge backend: it speaks the same
// negotiate/websocket/SSE surface, fans pushed events out to every connected
// client, and answers MarkNotificationAsRead invocations by broadcasting the
// corresponding NotificationRead event.
type Server struct {
	router   *mux.Router
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]chan *hub.Message
}

func New() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			// the simulator fronts local development only; origin checks are
			// handled by the CORS layer in cmd/simulate
			CheckOrigin: func(req *http.Request) bool { return true },
		},
		clients: make(map[string]chan *hub.Message),
	}
	r := mux.NewRouter()
	r.Path("/negotiate").Methods("POST").HandlerFunc(s.handleNegotiate)
	r.Path("/connect").Methods("GET").HandlerFunc(s.handleConnect)
	r.Path("/stream").Methods("GET").HandlerFunc(s.handleStream)
	r.Path("/send").Methods("POST").HandlerFunc(s.handleSend)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(res, req)
}

// Push broadcasts a direct notification to every connected client.
func (s *Server) Push(n notifications.Notification) {
	s.broadcast("ReceiveNotification", n)
}

// EndSession broadcasts the session-ended domain event. The mixed-case event
// name matches the casing the production server has been seen using.
func (s *Server) EndSession(transactionID, roomID string) {
	s.broadcast("SessionEnded", map[string]any{
		"transactionId": transactionID,
		"roomId":        roomID,
		"endedAt":       time.Now(),
	})
}

func (s *Server) broadcast(target string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		fmt.Printf("Failed to serialize %s payload: %v\n", target, err)
		return
	}
	m := &hub.Message{
		Type:      hub.MessageTypeEvent,
		Target:    target,
		Arguments: []json.RawMessage{data},
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- m:
		default:
			// slow client; drop rather than block the broadcast
		}
	}
}

// clientCount reports how many clients currently hold a live channel.
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) register(connectionID string) chan *hub.Message {
	ch := make(chan *hub.Message, 32)
	s.mu.Lock()
	s.clients[connectionID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Server) unregister(connectionID string) {
	s.mu.Lock()
	delete(s.clients, connectionID)
	s.mu.Unlock()
}

func (s *Server) sendTo(connectionID string, m *hub.Message) {
	s.mu.RLock()
	ch, ok := s.clients[connectionID]
	s.mu.RUnlock()
	if ok {
		ch <- m
	}
}

// handleClientMessage processes one frame sent by a client over either
// transport, answering invocations with a completion addressed to that client
// alone.
func (s *Server) handleClientMessage(connectionID string, m *hub.Message) {
	if m.Type != hub.MessageTypeInvocation {
		return
	}
	completion := &hub.Message{
		Type:         hub.MessageTypeCompletion,
		InvocationID: m.InvocationID,
	}
	switch m.Target {
	case "MarkNotificationAsRead":
		var id string
		if len(m.Arguments) == 0 || json.Unmarshal(m.Arguments[0], &id) != nil {
			completion.Error = "MarkNotificationAsRead requires a notification id"
			s.sendTo(connectionID, completion)
			return
		}
		s.sendTo(connectionID, completion)
		s.broadcast("NotificationRead", id)
	default:
		completion.Error = fmt.Sprintf("unknown method %q", m.Target)
		s.sendTo(connectionID, completion)
	}
}

func (s *Server) handleNegotiate(res http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Get("access_token") == "" {
		http.Error(res, "a bearer token must be supplied via the access_token parameter", http.StatusUnauthorized)
		return
	}
	res.Header().Set("content-type", "application/json")
	json.NewEncoder(res).Encode(map[string]any{
		"connectionId":        uuid.NewString(),
		"availableTransports": []string{"WebSockets", "ServerSentEvents"},
	})
}

func (s *Server) handleConnect(res http.ResponseWriter, req *http.Request) {
	connectionID := req.URL.Query().Get("id")
	if connectionID == "" || req.URL.Query().Get("access_token") == "" {
		http.Error(res, "connection id and access_token are required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(res, req, nil)
	if err != nil {
		fmt.Printf("Websocket upgrade failed: %v\n", err)
		return
	}
	fmt.Printf("Client %s connected via websocket\n", connectionID)
	ch := s.register(connectionID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m hub.Message
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			s.handleClientMessage(connectionID, &m)
		}
	}()

	for {
		select {
		case <-done:
			fmt.Printf("Client %s disconnected\n", connectionID)
			s.unregister(connectionID)
			conn.Close()
			return
		case m := <-ch:
			if err := conn.WriteJSON(m); err != nil {
				s.unregister(connectionID)
				conn.Close()
				<-done
				return
			}
		}
	}
}

func (s *Server) handleStream(res http.ResponseWriter, req *http.Request) {
	connectionID := req.URL.Query().Get("id")
	if connectionID == "" || req.URL.Query().Get("access_token") == "" {
		http.Error(res, "connection id and access_token are required", http.StatusBadRequest)
		return
	}
	accept := req.Header.Get("accept")
	if accept != "" && accept != "*/*" && !strings.HasPrefix(accept, "text/event-stream") {
		http.Error(res, fmt.Sprintf("content-type %s is not supported", accept), http.StatusBadRequest)
		return
	}

	res.Header().Set("content-type", "text/event-stream")
	res.Header().Set("cache-control", "no-cache")
	res.Header().Set("connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Write([]byte(":\n\n"))
	res.(http.Flusher).Flush()

	fmt.Printf("Client %s connected via event stream\n", connectionID)
	ch := s.register(connectionID)
	for {
		select {
		case <-time.After(30 * time.Second):
			res.Write([]byte(":\n\n"))
			res.(http.Flusher).Flush()
		case m := <-ch:
			data, err := json.Marshal(m)
			if err != nil {
				fmt.Printf("Failed to serialize stream message: %v\n", err)
				continue
			}
			fmt.Fprintf(res, "data: %s\n\n", data)
			res.(http.Flusher).Flush()
		case <-req.Context().Done():
			fmt.Printf("Client %s stream closed\n", connectionID)
			s.unregister(connectionID)
			return
		}
	}
}

func (s *Server) handleSend(res http.ResponseWriter, req *http.Request) {
	connectionID := req.URL.Query().Get("id")
	if connectionID == "" {
		http.Error(res, "connection id is required", http.StatusBadRequest)
		return
	}
	var m hub.Message
	if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
		http.Error(res, fmt.Sprintf("invalid message: %v", err), http.StatusBadRequest)
		return
	}
	s.handleClientMessage(connectionID, &m)
	res.WriteHeader(http.StatusAccepted)
}
