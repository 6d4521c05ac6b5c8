package hubtest

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hubbridge/internal/auth"
	"github.com/gorilla/websocket"
)

// ServiceCall is one POST /api/services/{domain}/{service} seen by the fake.
type ServiceCall struct {
	Domain  string
	Service string
	Body    map[string]any
	Auth    string
}

// Server fakes the hub REST and websocket surfaces.
type Server struct {
	*httptest.Server
	Token string
	auth  auth.Validator

	mu           sync.Mutex
	states       string
	statesStatus int
	statesHold   chan struct{}
	serviceDelay time.Duration
	rejectAuth   bool
	calls        []ServiceCall
	conns        map[*peer]struct{}
	accepted     int
	subscribed   chan struct{}
	callSignal   chan struct{}
}

type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) write(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func New(t testing.TB, token string) *Server {
	t.Helper()
	s := newServer(token)
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// NewTLS serves the fake hub over https and wss with tlsCfg.
func NewTLS(t testing.TB, token string, tlsCfg *tls.Config) *Server {
	t.Helper()
	s := newServer(token)
	s.Server = httptest.NewUnstartedServer(s.routes())
	s.Server.TLS = tlsCfg
	s.Server.StartTLS()
	t.Cleanup(s.Close)
	return s
}

func newServer(token string) *Server {
	s := &Server{
		Token:        token,
		states:       "[]",
		statesStatus: http.StatusOK,
		conns:        make(map[*peer]struct{}),
		subscribed:   make(chan struct{}, 16),
		callSignal:   make(chan struct{}, 64),
	}
	s.auth = auth.FuncValidator(s.validateToken)
	return s
}

func (s *Server) validateToken(token string) error {
	s.mu.Lock()
	current := s.Token
	s.mu.Unlock()
	return auth.StaticToken{Token: current}.Validate(token)
}

// SetToken rotates the accepted access token for REST and websocket auth.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Token = token
}

// HoldStates blocks GET /api/states until the returned release is called.
func (s *Server) HoldStates() (release func()) {
	hold := make(chan struct{})
	s.mu.Lock()
	s.statesHold = hold
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.statesHold == hold {
				s.statesHold = nil
			}
			s.mu.Unlock()
			close(hold)
		})
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.serveWebsocket)
	mux.HandleFunc("/api/states", s.authorized(s.serveStates))
	mux.HandleFunc("/api/services/", s.authorized(s.serveService))
	mux.HandleFunc("/api", s.authorized(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "API running."})
	}))
	return mux
}

func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) SetStates(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = raw
}

func (s *Server) SetStatesStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statesStatus = status
}

func (s *Server) SetRejectAuth(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAuth = reject
}

func (s *Server) SetServiceDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceDelay = d
}

func (s *Server) Calls() []ServiceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServiceCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Accepted counts websocket upgrades, including rejected authentications.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) WaitCalls(t testing.TB, n int, timeout time.Duration) []ServiceCall {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if calls := s.Calls(); len(calls) >= n {
			return calls
		}
		select {
		case <-s.callSignal:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d service calls, got %d", n, len(s.Calls()))
			return nil
		}
	}
}

func (s *Server) WaitSubscribed(t testing.TB, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.subscribed:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for stream subscription")
	}
}

// Push sends one raw frame to every subscribed connection.
func (s *Server) Push(t testing.TB, frame string) {
	t.Helper()
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	if len(peers) == 0 {
		t.Fatalf("push without subscribed connections")
	}
	for _, p := range peers {
		if err := p.write([]byte(frame)); err != nil {
			t.Fatalf("push frame: %v", err)
		}
	}
}

// DropConnections closes every live websocket without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.conns = make(map[*peer]struct{})
	s.mu.Unlock()
	for _, p := range peers {
		_ = p.conn.Close()
	}
}

// StateChangedFrame builds a state_changed event frame.
func StateChangedFrame(entityID, state string, attrs map[string]any) string {
	frame := map[string]any{
		"id":   1,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"data": map[string]any{
				"entity_id": entityID,
				"new_state": map[string]any{
					"entity_id":  entityID,
					"state":      state,
					"attributes": attrs,
				},
			},
		},
	}
	b, _ := json.Marshal(frame)
	return string(b)
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.ValidateRequest(s.auth, r); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "401: Unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) serveStates(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	hold := s.statesHold
	s.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	status, body := s.statesStatus, s.states
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (s *Server) serveService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/services/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var body map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	delay := s.serviceDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	s.calls = append(s.calls, ServiceCall{
		Domain:  parts[0],
		Service: parts[1],
		Body:    body,
		Auth:    r.Header.Get("Authorization"),
	})
	s.mu.Unlock()
	select {
	case s.callSignal <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusOK, []any{})
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}
	defer conn.Close()

	s.mu.Lock()
	s.accepted++
	reject := s.rejectAuth
	s.mu.Unlock()

	_ = p.write([]byte(`{"type":"auth_required","ha_version":"2024.1.0"}`))

	var hello struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	if reject || hello.Type != "auth" || s.auth.Validate(hello.AccessToken) != nil {
		_ = p.write([]byte(`{"type":"auth_invalid","message":"Invalid access token or password"}`))
		return
	}
	_ = p.write([]byte(`{"type":"auth_ok","ha_version":"2024.1.0"}`))

	var sub struct {
		ID        int    `json:"id"`
		Type      string `json:"type"`
		EventType string `json:"event_type"`
	}
	if err := conn.ReadJSON(&sub); err != nil {
		return
	}
	if sub.Type != "subscribe_events" || sub.EventType != "state_changed" {
		return
	}
	_ = p.write([]byte(`{"id":1,"type":"result","success":true,"result":null}`))

	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.mu.Unlock()
	select {
	case s.subscribed <- struct{}{}:
	default:
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	delete(s.conns, p)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
