package bus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"context"

	"github.com/gorilla/websocket"

	"pulse/internal/logger"
	"pulse/internal/models"
)

// testConfig implements interfaces.Configuration for bus tests
type testConfig struct {
	serverURL string
}

func (c *testConfig) GetUserID() string       { return "alice" }
func (c *testConfig) GetUsername() string     { return "alice" }
func (c *testConfig) GetServerURL() string    { return c.serverURL }
func (c *testConfig) GetDirectoryURL() string { return "" }
func (c *testConfig) GetDataDir() string      { return "" }
func (c *testConfig) GetLogLevel() string     { return "ERROR" }
func (c *testConfig) GetQuiet() bool          { return false }
func (c *testConfig) GetLogFile() string      { return "" }

// recordingHandler implements interfaces.BusEventHandler
type recordingHandler struct {
	mu        sync.Mutex
	events    []*models.Event
	connected chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{connected: make(chan struct{}, 4)}
}

func (h *recordingHandler) OnBusEvent(event *models.Event) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *recordingHandler) OnBusConnected() {
	h.connected <- struct{}{}
}

func (h *recordingHandler) OnBusDisconnected(err error) {}

func (h *recordingHandler) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// relayServer is a minimal in-process relay endpoint
type relayServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	recv  chan []byte
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	relay := &relayServer{recv: make(chan []byte, 16)}
	relay.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := relay.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay.mu.Lock()
		relay.conns = append(relay.conns, conn)
		relay.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			relay.recv <- data
		}
	}))
	return relay
}

func (r *relayServer) url() string {
	return "ws" + strings.TrimPrefix(r.Server.URL, "http")
}

func (r *relayServer) push(t *testing.T, data []byte) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		t.Fatal("No client connected to the relay")
	}
	if err := r.conns[len(r.conns)-1].WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Relay write failed: %v", err)
	}
}

func startTestBus(t *testing.T, relay *relayServer) (*WSMessageBus, *recordingHandler) {
	t.Helper()
	bus := NewWSMessageBus(&testConfig{serverURL: relay.url()}, logger.New(logger.LevelError)).(*WSMessageBus)
	handler := newRecordingHandler()
	bus.SetEventHandler(handler)

	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = bus.Stop() })

	select {
	case <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("Bus did not connect")
	}
	return bus, handler
}

func TestBusSendReachesRelay(t *testing.T) {
	relay := newRelayServer(t)
	defer relay.Close()
	bus, _ := startTestBus(t, relay)

	event, err := models.NewEvent(models.EventTyping, &models.TypingPayload{From: "alice", IsTyping: true})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if err := bus.Send(event); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case data := <-relay.recv:
		parsed, err := models.EventFromJSON(data)
		if err != nil {
			t.Fatalf("Relay received unparseable event: %v", err)
		}
		if parsed.Kind != models.EventTyping {
			t.Errorf("Expected typing event, got %s", parsed.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Relay never received the event")
	}
}

func TestBusDeliversInboundEvents(t *testing.T) {
	relay := newRelayServer(t)
	defer relay.Close()
	_, handler := startTestBus(t, relay)

	event, _ := models.NewEvent(models.EventUserStatus, &models.UserStatusPayload{UserID: "bob", IsOnline: true})
	data, _ := event.ToJSON()
	relay.push(t, data)

	deadline := time.Now().Add(2 * time.Second)
	for handler.eventCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Inbound event never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	handler.mu.Lock()
	got := handler.events[0]
	handler.mu.Unlock()
	if got.Kind != models.EventUserStatus {
		t.Errorf("Expected user status event, got %s", got.Kind)
	}
}

func TestBusDropsUnknownAndMalformedFrames(t *testing.T) {
	relay := newRelayServer(t)
	defer relay.Close()
	_, handler := startTestBus(t, relay)

	relay.push(t, []byte(`{"event":"future_feature","payload":{}}`))
	relay.push(t, []byte(`not json at all`))

	// A valid event after the junk proves the pump survived
	event, _ := models.NewEvent(models.EventTyping, &models.TypingPayload{From: "bob", IsTyping: true})
	data, _ := event.ToJSON()
	relay.push(t, data)

	deadline := time.Now().Add(2 * time.Second)
	for handler.eventCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Valid event never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.events) != 1 {
		t.Fatalf("Junk frames must be dropped, got %d events", len(handler.events))
	}
	if handler.events[0].Kind != models.EventTyping {
		t.Errorf("Expected the typing event, got %s", handler.events[0].Kind)
	}
}

func TestBusSendWhileDisconnected(t *testing.T) {
	bus := NewWSMessageBus(&testConfig{serverURL: "ws://localhost:1/bus"}, logger.New(logger.LevelError))

	event, _ := models.NewEvent(models.EventTyping, &models.TypingPayload{From: "alice"})
	if err := bus.Send(event); err == nil {
		t.Fatal("Send without a connection must fail")
	}
}

func TestBusReconnects(t *testing.T) {
	relay := newRelayServer(t)
	defer relay.Close()
	_, handler := startTestBus(t, relay)

	// Kill the server side of the connection; the bus should redial
	relay.mu.Lock()
	relay.conns[0].Close()
	relay.mu.Unlock()

	select {
	case <-handler.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("Bus did not reconnect after the relay dropped it")
	}
}
