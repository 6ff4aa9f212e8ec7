package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pulse/internal/crypto"
	"pulse/internal/interfaces"
	"pulse/internal/keystore"
	"pulse/internal/logger"
	"pulse/internal/models"
)

// decryptFailedPlaceholder is shown in place of a body that could not be
// decrypted. The ciphertext stays in the cache untouched so a later key
// recovery can retry.
const decryptFailedPlaceholder = "[message could not be decrypted]"

// ChatClient is the orchestrator: it owns the bus connection, feeds inbound
// events through a single dispatch loop, and exposes the user-facing
// operations (send, secure, call) that the UI drives.
type ChatClient struct {
	config    interfaces.Configuration
	bus       interfaces.MessageBus
	directory interfaces.DirectoryClient
	logger    *logger.Logger

	cache    *ConversationCache
	sessions *SessionManager
	sync     *Synchronizer
	delivery *DeliveryTracker
	calls    *CallManager

	handler interfaces.ClientEventHandler

	events chan *models.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewChatClient wires the client from its collaborators
func NewChatClient(
	config interfaces.Configuration,
	bus interfaces.MessageBus,
	directory interfaces.DirectoryClient,
	store *keystore.Store,
	media interfaces.MediaSource,
	peers interfaces.PeerConnectionFactory,
	log *logger.Logger,
) *ChatClient {
	selfID := config.GetUserID()
	cache := NewConversationCache()

	client := &ChatClient{
		config:    config,
		bus:       bus,
		directory: directory,
		logger:    log.WithComponent("client"),
		cache:     cache,
		sessions:  NewSessionManager(selfID, bus, store, log),
		sync:      NewSynchronizer(selfID, cache, directory, log),
		delivery:  NewDeliveryTracker(selfID, cache, directory, log),
		calls:     NewCallManager(selfID, config.GetUsername(), bus, media, peers, log),
		events:    make(chan *models.Event, 256),
	}

	bus.SetEventHandler(client)
	return client
}

// SetEventHandler sets the handler for conversation and contact changes
func (c *ChatClient) SetEventHandler(handler interfaces.ClientEventHandler) {
	c.handler = handler
	c.sync.SetEventHandler(handler)
	c.delivery.SetEventHandler(handler)
}

// SetCallEventHandler sets the handler for call lifecycle changes
func (c *ChatClient) SetCallEventHandler(handler interfaces.CallEventHandler) {
	c.calls.SetEventHandler(handler)
}

// Calls exposes the call manager for state queries from the UI
func (c *ChatClient) Calls() *CallManager {
	return c.calls
}

// Cache exposes the conversation cache for read access from the UI
func (c *ChatClient) Cache() *ConversationCache {
	return c.cache
}

// Start connects the bus and launches the dispatch loop
func (c *ChatClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatchLoop()

	if err := c.bus.Start(c.ctx); err != nil {
		return fmt.Errorf("failed to start message bus: %w", err)
	}

	c.logger.Info("Client started", "user", c.config.GetUserID())
	return nil
}

// Stop tears the client down: active call ended, timers cancelled, bus
// closed, in-memory key material dropped
func (c *ChatClient) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	if err := c.calls.EndCall(); err != nil && !errors.Is(err, ErrNoCall) {
		c.logger.Warn("Failed to end call on shutdown", "error", err)
	}
	c.delivery.Stop()
	c.bus.Stop()
	cancel()
	c.wg.Wait()
	c.sessions.EvictAll()

	c.logger.Info("Client stopped")
}

// OnBusEvent queues an inbound event for the dispatch loop
func (c *ChatClient) OnBusEvent(event *models.Event) {
	select {
	case c.events <- event:
	default:
		c.logger.Warn("Event queue full, dropping", "kind", event.Kind)
	}
}

// OnBusConnected runs a full resync. Reconnection implies missed events, so
// the authoritative snapshot is re-merged every time, not just on login.
func (c *ChatClient) OnBusConnected() {
	c.logger.Info("Bus connected, resyncing")
	go func() {
		if err := c.sync.Resync(c.ctx); err != nil {
			c.logger.Error("Resync failed", "error", err)
			if c.handler != nil {
				c.handler.OnError(err)
			}
		}
	}()
}

// OnBusDisconnected surfaces the drop; the bus handles its own reconnect
func (c *ChatClient) OnBusDisconnected(err error) {
	c.logger.Warn("Bus disconnected", "error", err)
}

func (c *ChatClient) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event := <-c.events:
			c.dispatch(event)
		}
	}
}

// dispatch routes one validated inbound event to its owner. Unknown kinds
// were already dropped at the bus boundary.
func (c *ChatClient) dispatch(event *models.Event) {
	switch event.Kind {
	case models.EventSecretChatRequest:
		var req models.SecretChatRequest
		if err := event.Decode(&req); err != nil {
			c.logger.Warn("Malformed handshake request", "error", err)
			return
		}
		if err := c.sessions.HandleRequest(c.ctx, &req); err != nil {
			c.surfaceError(err)
			return
		}
		c.secureConversation(req.TempChatID, []string{c.config.GetUserID(), req.From})

	case models.EventSecretChatAccepted:
		var acc models.SecretChatAccepted
		if err := event.Decode(&acc); err != nil {
			c.logger.Warn("Malformed handshake acceptance", "error", err)
			return
		}
		if err := c.sessions.HandleAccepted(c.ctx, &acc); err != nil {
			c.surfaceError(err)
			return
		}
		c.secureConversation(acc.TempChatID, []string{c.config.GetUserID(), acc.From})

	case models.EventReceiveMessage:
		var recv models.ReceiveMessagePayload
		if err := event.Decode(&recv); err != nil || recv.Message == nil {
			c.logger.Warn("Malformed inbound message", "error", err)
			return
		}
		c.receiveMessage(&recv)

	case models.EventMessageSent:
		var ack models.MessageSentPayload
		if err := event.Decode(&ack); err != nil {
			c.logger.Warn("Malformed delivery ack", "error", err)
			return
		}
		c.delivery.HandleAck(&ack)

	case models.EventMessagesRead:
		var receipt models.MessagesReadPayload
		if err := event.Decode(&receipt); err != nil {
			c.logger.Warn("Malformed read receipt", "error", err)
			return
		}
		c.delivery.HandleRead(c.ctx, &receipt)

	case models.EventMessageEdited:
		var edit models.MessageEditedPayload
		if err := event.Decode(&edit); err != nil {
			c.logger.Warn("Malformed edit", "error", err)
			return
		}
		c.decryptEdit(&edit)
		c.sync.HandleEdit(c.ctx, &edit)

	case models.EventTyping:
		var typing models.TypingPayload
		if err := event.Decode(&typing); err != nil {
			return
		}
		c.delivery.HandleTyping(&typing)

	case models.EventUserStatus:
		var status models.UserStatusPayload
		if err := event.Decode(&status); err != nil {
			return
		}
		c.sync.HandleUserStatus(&status)

	case models.EventCallUser:
		var call models.CallUserPayload
		if err := event.Decode(&call); err != nil {
			c.logger.Warn("Malformed call signal", "error", err)
			return
		}
		c.calls.HandleCallUser(&call)

	case models.EventAnswerCall:
		var answer models.AnswerCallPayload
		if err := event.Decode(&answer); err != nil {
			return
		}
		c.calls.HandleAnswer(&answer)

	case models.EventIceCandidate:
		var candidate models.IceCandidatePayload
		if err := event.Decode(&candidate); err != nil {
			return
		}
		c.calls.HandleICECandidate(&candidate)

	case models.EventEndCall:
		var end models.EndCallPayload
		if err := event.Decode(&end); err != nil {
			return
		}
		c.calls.HandleRemoteEnd(&end)

	default:
		c.logger.Debug("Unrouted event", "kind", event.Kind)
	}
}

// secureConversation records a completed handshake in the cache
func (c *ChatClient) secureConversation(conversationID string, participants []string) {
	c.cache.UpsertConversation(&models.Conversation{
		ID:           conversationID,
		Participants: participants,
		Secured:      true,
	})
	c.cache.SetSecured(conversationID, true)
	c.logger.Info("Conversation secured", "conversation", conversationID)
	if c.handler != nil {
		c.handler.OnSecuredChanged(conversationID, true)
	}
}

// receiveMessage decrypts (when needed) and ingests one inbound message
func (c *ChatClient) receiveMessage(recv *models.ReceiveMessagePayload) {
	msg := recv.Message
	conversationID := recv.ChatID
	if conversationID == "" {
		conversationID = msg.ConversationID
	}

	// Own sends echoed from another device arrive encrypted too; decrypt
	// everything so an unknown id is never cached as ciphertext
	if msg.Encrypted {
		if err := c.decryptBody(conversationID, msg); err != nil {
			c.logger.Error("Inbound decryption failed",
				"conversation", conversationID, "message", msg.ID, "error", err)
			msg.Body = decryptFailedPlaceholder
			c.surfaceError(err)
		}
	}

	c.sync.Ingest(c.ctx, conversationID, msg)
}

// decryptBody replaces the base64 wire body with plaintext in place
func (c *ChatClient) decryptBody(conversationID string, msg *models.Message) error {
	key, err := c.sessions.SessionKey(c.ctx, conversationID)
	if err != nil {
		return err
	}
	ciphertext, err := crypto.FromBase64(msg.Body)
	if err != nil {
		return fmt.Errorf("%w: undecodable ciphertext: %v", crypto.ErrDecryption, err)
	}
	nonce, err := crypto.FromBase64(msg.Nonce)
	if err != nil {
		return fmt.Errorf("%w: undecodable nonce: %v", crypto.ErrDecryption, err)
	}
	plaintext, err := crypto.Decrypt(key, ciphertext, nonce)
	if err != nil {
		return err
	}
	msg.Body = string(plaintext)
	msg.Nonce = ""
	msg.Encrypted = false
	return nil
}

func (c *ChatClient) decryptEdit(edit *models.MessageEditedPayload) {
	if edit.Message == nil || !edit.Message.Encrypted {
		return
	}
	if err := c.decryptBody(edit.ChatID, edit.Message); err != nil {
		c.logger.Error("Edit decryption failed", "conversation", edit.ChatID, "error", err)
		edit.Message.Body = decryptFailedPlaceholder
	}
}

// SendMessage performs an optimistic send: the message is appended pending
// to the cache immediately, then encrypted (for secured conversations) and
// pushed to the bus. A missing key marks the message failed rather than
// letting plaintext leak onto the wire.
func (c *ChatClient) SendMessage(ctx context.Context, conversationID, peerID, body string) (*models.Message, error) {
	msg := models.NewTextMessage(c.config.GetUserID(), peerID, conversationID, body)
	return c.sendPrepared(ctx, conversationID, peerID, msg)
}

// SendReply sends a message carrying reply provenance
func (c *ChatClient) SendReply(ctx context.Context, conversationID, peerID, body, replyTo string) (*models.Message, error) {
	msg := models.NewReplyMessage(c.config.GetUserID(), peerID, conversationID, body, replyTo)
	return c.sendPrepared(ctx, conversationID, peerID, msg)
}

// ForwardMessage re-sends an existing message into another conversation,
// tagging where it came from
func (c *ChatClient) ForwardMessage(ctx context.Context, fromConversationID, messageID, toConversationID, peerID string) (*models.Message, error) {
	src, ok := c.cache.Message(fromConversationID, messageID)
	if !ok {
		return nil, fmt.Errorf("message %s not found in conversation %s", messageID, fromConversationID)
	}
	msg := models.NewTextMessage(c.config.GetUserID(), peerID, toConversationID, src.Body)
	msg.ForwardedFrom = src.From
	return c.sendPrepared(ctx, toConversationID, peerID, msg)
}

func (c *ChatClient) sendPrepared(ctx context.Context, conversationID, peerID string, msg *models.Message) (*models.Message, error) {
	c.cache.Append(conversationID, msg)
	c.delivery.TrackSend(conversationID, msg)
	if c.handler != nil {
		c.handler.OnConversationUpdated(conversationID)
	}

	wire := msg.Clone()
	conv, ok := c.cache.Conversation(conversationID)
	if ok && conv.Secured {
		if err := c.encryptBody(ctx, conversationID, wire); err != nil {
			c.cache.AdvanceStatus(conversationID, msg.ID, models.StatusFailed)
			if c.handler != nil {
				c.handler.OnConversationUpdated(conversationID)
			}
			return msg, err
		}
	}

	event, err := models.NewEvent(models.EventSendMessage, &models.SendMessagePayload{
		ReceiverID: peerID,
		Message:    wire,
	})
	if err == nil {
		err = c.bus.Send(event)
	}
	if err != nil {
		c.cache.AdvanceStatus(conversationID, msg.ID, models.StatusFailed)
		if c.handler != nil {
			c.handler.OnConversationUpdated(conversationID)
		}
		return msg, fmt.Errorf("failed to send message: %w", err)
	}

	return msg, nil
}

// encryptBody replaces the plaintext body with base64 ciphertext in place
func (c *ChatClient) encryptBody(ctx context.Context, conversationID string, msg *models.Message) error {
	key, err := c.sessions.SessionKey(ctx, conversationID)
	if err != nil {
		return err
	}
	ciphertext, nonce, err := crypto.Encrypt(key, []byte(msg.Body))
	if err != nil {
		return err
	}
	msg.Body = crypto.ToBase64(ciphertext)
	msg.Nonce = crypto.ToBase64(nonce)
	msg.Encrypted = true
	return nil
}

// EditMessage rewrites a sent message's body locally and broadcasts the edit
func (c *ChatClient) EditMessage(ctx context.Context, conversationID, messageID, body string) error {
	src, ok := c.cache.Message(conversationID, messageID)
	if !ok {
		return fmt.Errorf("message %s not found in conversation %s", messageID, conversationID)
	}
	if src.From != c.config.GetUserID() {
		return errors.New("only own messages can be edited")
	}

	if !c.cache.UpdateBody(conversationID, messageID, body) {
		return fmt.Errorf("message %s not found in conversation %s", messageID, conversationID)
	}
	if c.handler != nil {
		c.handler.OnConversationUpdated(conversationID)
	}

	wire := src.Clone()
	wire.Body = body
	wire.Edited = true
	conv, ok := c.cache.Conversation(conversationID)
	if ok && conv.Secured {
		if err := c.encryptBody(ctx, conversationID, wire); err != nil {
			return err
		}
	}

	event, err := models.NewEvent(models.EventMessageEdited, &models.MessageEditedPayload{
		Message: wire,
		ChatID:  conversationID,
	})
	if err == nil {
		err = c.bus.Send(event)
	}
	if err != nil {
		return fmt.Errorf("failed to broadcast edit: %w", err)
	}
	return nil
}

// StartSecureChat initiates an encryption handshake with a peer and returns
// the new conversation id. The conversation is not secured until the peer's
// acceptance arrives.
func (c *ChatClient) StartSecureChat(ctx context.Context, peerID string) (string, error) {
	conversationID, err := c.sessions.Initiate(ctx, peerID)
	if err != nil {
		return "", err
	}
	c.cache.UpsertConversation(&models.Conversation{
		ID:           conversationID,
		Participants: []string{c.config.GetUserID(), peerID},
	})
	return conversationID, nil
}

// SafetyNumber returns the verification fingerprint for a secured
// conversation
func (c *ChatClient) SafetyNumber(ctx context.Context, conversationID string) (string, error) {
	return c.sessions.SafetyNumber(ctx, conversationID)
}

// MarkRead clears the unread counter for a contact and tells the peer the
// conversation was read
func (c *ChatClient) MarkRead(ctx context.Context, conversationID, contactID string) error {
	c.cache.ResetUnread(contactID)
	if c.handler != nil {
		if contact, ok := c.cache.Contact(contactID); ok {
			c.handler.OnContactUpdated(contact)
		}
	}

	event, err := models.NewEvent(models.EventMessagesRead, &models.MessagesReadPayload{
		ChatID:   conversationID,
		ReaderID: c.config.GetUserID(),
	})
	if err == nil {
		err = c.bus.Send(event)
	}
	if err != nil {
		return fmt.Errorf("failed to send read receipt: %w", err)
	}
	return nil
}

// SendTyping signals the peer that the local user started or stopped typing
func (c *ChatClient) SendTyping(isTyping bool) error {
	event, err := models.NewEvent(models.EventTyping, &models.TypingPayload{
		From:     c.config.GetUserID(),
		IsTyping: isTyping,
	})
	if err == nil {
		err = c.bus.Send(event)
	}
	return err
}

// StartCall initiates a call to a peer
func (c *ChatClient) StartCall(ctx context.Context, peerID string, video bool) error {
	return c.calls.StartCall(ctx, peerID, video)
}

// AcceptCall answers the pending incoming call
func (c *ChatClient) AcceptCall(ctx context.Context, video bool) error {
	return c.calls.AcceptCall(ctx, video)
}

// EndCall hangs up the active call
func (c *ChatClient) EndCall() error {
	return c.calls.EndCall()
}

// Logout ends the session without destroying persisted data: call torn
// down, timers cancelled, in-memory keys zeroed. Keystore records survive
// for the next login.
func (c *ChatClient) Logout() {
	c.Stop()
}

// WipeData performs logout plus destruction of all persisted key material
func (c *ChatClient) WipeData(ctx context.Context) error {
	c.Stop()
	return c.sessions.Wipe(ctx)
}

func (c *ChatClient) surfaceError(err error) {
	if c.handler != nil {
		c.handler.OnError(err)
	}
}

var _ interfaces.BusEventHandler = (*ChatClient)(nil)
