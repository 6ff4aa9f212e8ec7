package service

import (
	"context"
	"sync"

	"pulse/internal/interfaces"
	"pulse/internal/models"
)

// MockConfig implements interfaces.Configuration for testing
type MockConfig struct {
	userID   string
	username string
}

func (m *MockConfig) GetUserID() string       { return m.userID }
func (m *MockConfig) GetUsername() string     { return m.username }
func (m *MockConfig) GetServerURL() string    { return "ws://localhost:0/bus" }
func (m *MockConfig) GetDirectoryURL() string { return "http://localhost:0" }
func (m *MockConfig) GetDataDir() string      { return "" }
func (m *MockConfig) GetLogLevel() string     { return "ERROR" }
func (m *MockConfig) GetQuiet() bool          { return false }
func (m *MockConfig) GetLogFile() string      { return "" }

// MockBus implements interfaces.MessageBus for testing. Sent events are
// recorded; an optional onSend hook lets tests wire two components together
// as if a relay sat between them.
type MockBus struct {
	mu      sync.Mutex
	sent    []*models.Event
	handler interfaces.BusEventHandler
	onSend  func(*models.Event)
	sendErr error
}

func (m *MockBus) Start(ctx context.Context) error { return nil }
func (m *MockBus) Stop() error                     { return nil }
func (m *MockBus) IsConnected() bool               { return true }

func (m *MockBus) SetEventHandler(handler interfaces.BusEventHandler) {
	m.handler = handler
}

func (m *MockBus) Send(event *models.Event) error {
	m.mu.Lock()
	err := m.sendErr
	var hook func(*models.Event)
	if err == nil {
		m.sent = append(m.sent, event)
		hook = m.onSend
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(event)
	}
	return nil
}

func (m *MockBus) Sent() []*models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Event, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockBus) SentOfKind(kind models.EventKind) []*models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Event
	for _, event := range m.sent {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

func (m *MockBus) FailSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// MockDirectory implements interfaces.DirectoryClient for testing
type MockDirectory struct {
	mu       sync.Mutex
	snapshot *models.Snapshot
	fetchErr error
	patches  []*models.SnapshotPatch
}

func (m *MockDirectory) FetchSnapshot(ctx context.Context, userID string) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if m.snapshot == nil {
		return &models.Snapshot{}, nil
	}
	return m.snapshot, nil
}

func (m *MockDirectory) Persist(ctx context.Context, userID string, patch *models.SnapshotPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = append(m.patches, patch)
	return nil
}

func (m *MockDirectory) PersistCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patches)
}

// MockClientHandler implements interfaces.ClientEventHandler for testing
type MockClientHandler struct {
	mu             sync.Mutex
	convUpdates    []string
	contactUpdates []*models.Contact
	typingEvents   []string
	securedEvents  []string
	errors         []error
}

func (m *MockClientHandler) OnConversationUpdated(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convUpdates = append(m.convUpdates, conversationID)
}

func (m *MockClientHandler) OnContactUpdated(contact *models.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contactUpdates = append(m.contactUpdates, contact)
}

func (m *MockClientHandler) OnTyping(contactID string, isTyping bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := "stop"
	if isTyping {
		state = "start"
	}
	m.typingEvents = append(m.typingEvents, contactID+":"+state)
}

func (m *MockClientHandler) OnSecuredChanged(conversationID string, secured bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.securedEvents = append(m.securedEvents, conversationID)
}

func (m *MockClientHandler) OnError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
}

func (m *MockClientHandler) TypingEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.typingEvents))
	copy(out, m.typingEvents)
	return out
}

// MockCallHandler implements interfaces.CallEventHandler for testing
type MockCallHandler struct {
	mu        sync.Mutex
	incoming  []string
	connected []string
	ended     []string
	errors    []error
}

func (m *MockCallHandler) OnIncomingCall(from, displayName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incoming = append(m.incoming, from)
}

func (m *MockCallHandler) OnCallConnected(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = append(m.connected, peerID)
}

func (m *MockCallHandler) OnCallEnded(peerID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, peerID)
}

func (m *MockCallHandler) OnCallError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
}

func (m *MockCallHandler) IncomingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.incoming)
}

func (m *MockCallHandler) EndedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ended)
}

var (
	_ interfaces.Configuration      = (*MockConfig)(nil)
	_ interfaces.MessageBus         = (*MockBus)(nil)
	_ interfaces.DirectoryClient    = (*MockDirectory)(nil)
	_ interfaces.ClientEventHandler = (*MockClientHandler)(nil)
	_ interfaces.CallEventHandler   = (*MockCallHandler)(nil)
)
