package client

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/protocol"
)

// Sender is the transport a Session writes through. *Channel satisfies it.
type Sender interface {
	Connected() bool
	Send(msgType string, payload any) error
}

// Event kinds delivered to SessionConfig.OnEvent.
const (
	EventMessage  = "message"  // the open conversation's view changed
	EventUnread   = "unread"   // an unread counter changed
	EventTyping   = "typing"   // a typing indicator appeared or cleared
	EventPresence = "presence" // a user went online or offline
	EventError    = "error"    // the server reported an error
)

// Event notifies the UI that something it renders has changed.
type Event struct {
	Kind        string
	Counterpart string
	Text        string
}

// SessionConfig configures a Session.
type SessionConfig struct {
	UserID string

	// TypingTimeout clears a counterpart's typing indicator after this much
	// silence, whether or not stopTyping arrives.
	TypingTimeout time.Duration

	// TypingIdle is how long after the last keystroke the session sends
	// stopTyping on the user's behalf.
	TypingIdle time.Duration

	// RetryBaseDelay and RetryMaxDelay bound the backoff before a send the
	// server failed is tried again. A rate_limited error waits for the
	// server's retryAfter instead.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	OnEvent func(Event)
}

// DefaultSessionConfig returns the typing timings used by the UI.
func DefaultSessionConfig(userID string) SessionConfig {
	return SessionConfig{
		UserID:        userID,
		TypingTimeout: 3 * time.Second,
		TypingIdle:    3 * time.Second,

		RetryBaseDelay: 1 * time.Second,
		RetryMaxDelay:  30 * time.Second,
	}
}

// Session keeps the local view of a user's conversations consistent with
// the server. It implements Listener so a Channel can drive it.
type Session struct {
	config SessionConfig
	out    Sender
	outbox Outbox
	now    func() time.Time

	mu     sync.Mutex
	views  map[string][]LocalMessage // counterpart -> messages
	open   string
	unread map[string]int
	online map[string]bool
	typing map[string]time.Time // counterpart -> last typing signal
	timers map[string]*time.Timer

	typingTo    string
	typingSent  time.Time
	typingTimer *time.Timer

	// Queued sends are held until holdUntil after a server-side failure.
	retry      *backoff.ExponentialBackOff
	holdUntil  time.Time
	retryTimer *time.Timer
}

// NewSession creates a Session that sends through out and queues through
// outbox. out may be nil until SetSender is called.
func NewSession(config SessionConfig, out Sender, outbox Outbox) *Session {
	def := DefaultSessionConfig(config.UserID)
	if config.TypingTimeout <= 0 {
		config.TypingTimeout = def.TypingTimeout
	}
	if config.TypingIdle <= 0 {
		config.TypingIdle = def.TypingIdle
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay < config.RetryBaseDelay {
		config.RetryMaxDelay = max(def.RetryMaxDelay, config.RetryBaseDelay)
	}
	retry := &backoff.ExponentialBackOff{
		InitialInterval:     config.RetryBaseDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         config.RetryMaxDelay,
	}
	retry.Reset()
	return &Session{
		config: config,
		out:    out,
		outbox: outbox,
		now:    time.Now,
		views:  make(map[string][]LocalMessage),
		unread: make(map[string]int),
		online: make(map[string]bool),
		typing: make(map[string]time.Time),
		timers: make(map[string]*time.Timer),
		retry:  retry,
	}
}

// SetSender attaches the transport. A Channel needs its listener at
// construction, so the two are wired in two steps.
func (s *Session) SetSender(out Sender) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

func (s *Session) emit(e Event) {
	if s.config.OnEvent != nil {
		s.config.OnEvent(e)
	}
}

// ---------------------------------------------------------------------------
// Conversation state
// ---------------------------------------------------------------------------

// Open makes counterpartID the visible conversation, seeds its view with
// history, clears its unread counter and acknowledges its messages.
func (s *Session) Open(counterpartID string, history []chat.Message) {
	s.mu.Lock()
	s.open = counterpartID
	view := s.views[counterpartID]
	for _, m := range history {
		view = Reconcile(view, m, "")
	}
	s.views[counterpartID] = view
	s.unread[counterpartID] = 0
	s.acknowledgeLocked(counterpartID)
	s.mu.Unlock()

	s.emit(Event{Kind: EventMessage, Counterpart: counterpartID})
	s.emit(Event{Kind: EventUnread, Counterpart: counterpartID})
}

// View returns a copy of the open conversation.
func (s *Session) View() []LocalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LocalMessage, len(s.views[s.open]))
	copy(out, s.views[s.open])
	return out
}

// Unread returns the unread counter for counterpartID.
func (s *Session) Unread(counterpartID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[counterpartID]
}

// IsOnline reports the last presence update seen for userID.
func (s *Session) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// IsTyping reports whether counterpartID has sent a typing signal within
// the typing timeout.
func (s *Session) IsTyping(counterpartID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.typing[counterpartID]
	return ok && s.now().Sub(at) < s.config.TypingTimeout
}

// acknowledgeLocked tells the server the user has seen counterpartID's
// messages. Offline acknowledgements are dropped; opening the conversation
// again or fetching history covers them.
func (s *Session) acknowledgeLocked(counterpartID string) {
	if s.out == nil || !s.out.Connected() {
		return
	}
	if err := s.out.Send(protocol.TypeMarkAsRead, protocol.MarkAsReadMsg{SenderID: counterpartID}); err != nil {
		log.Debug().Err(err).Msg("[client] markAsRead failed")
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send shows an optimistic placeholder immediately and emits the message,
// or queues it when the channel is down or older sends are still queued.
func (s *Session) Send(receiverID, content string, attachment *chat.Attachment, replyTo string) (LocalMessage, error) {
	if receiverID == "" {
		return LocalMessage{}, errors.New("client: send: empty receiver")
	}
	s.mu.Lock()
	placeholder, err := s.sendLocked(receiverID, content, attachment, replyTo)
	visible := receiverID == s.open
	s.mu.Unlock()

	if visible {
		s.emit(Event{Kind: EventMessage, Counterpart: receiverID})
	}
	return placeholder, err
}

func (s *Session) sendLocked(receiverID, content string, attachment *chat.Attachment, replyTo string) (LocalMessage, error) {
	now := s.now()
	tempID := uuid.NewString()
	placeholder := Optimistic(tempID, chat.Message{
		SenderID:   s.config.UserID,
		ReceiverID: receiverID,
		Content:    content,
		Attachment: attachment,
		ReplyTo:    replyTo,
		CreatedAt:  now,
	})
	s.views[receiverID] = append(s.views[receiverID], placeholder)

	p := PendingSend{
		TempID:     tempID,
		ReceiverID: receiverID,
		Content:    content,
		Attachment: attachment,
		ReplyTo:    replyTo,
		QueuedAt:   now,
	}

	queued, err := s.outbox.Pending()
	if err != nil {
		return placeholder, err
	}
	if len(queued) > 0 && s.canFlushLocked() {
		if _, err := s.drainLocked(); err == nil {
			queued = nil
		}
	}
	if len(queued) == 0 && s.out != nil && s.out.Connected() {
		if err := s.out.Send(protocol.TypeSendMessage, sendIntent(p)); err == nil {
			return placeholder, nil
		}
	}
	_, err = s.outbox.Enqueue(p)
	return placeholder, err
}

func sendIntent(p PendingSend) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{
		ReceiverID:   p.ReceiverID,
		Content:      p.Content,
		Attachment:   p.Attachment,
		ReplyTo:      p.ReplyTo,
		ClientTempID: p.TempID,
	}
}

// Drain emits every queued send in order, removing each after a successful
// write. It stops at the first failed write and leaves the rest queued.
func (s *Session) Drain() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked()
}

func (s *Session) drainLocked() (int, error) {
	if s.out == nil {
		return 0, ErrNotConnected
	}
	pending, err := s.outbox.Pending()
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, p := range pending {
		if err := s.out.Send(protocol.TypeSendMessage, sendIntent(p)); err != nil {
			return sent, err
		}
		if err := s.outbox.Remove(p.Seq); err != nil {
			return sent, err
		}
		s.setPlaceholderStatus(p.ReceiverID, p.TempID, chat.StatusSent)
		sent++
	}
	return sent, nil
}

// canFlushLocked reports whether queued sends may go out now: the channel
// is up and no server-requested hold is pending.
func (s *Session) canFlushLocked() bool {
	return s.out != nil && s.out.Connected() && !s.now().Before(s.holdUntil)
}

// flushLocked drains the outbox unless the channel is down or a hold is
// pending, in which case the retry timer or the next connect will.
func (s *Session) flushLocked() (int, error) {
	if !s.canFlushLocked() {
		return 0, nil
	}
	return s.drainLocked()
}

// retryAfterLocked holds the outbox for delay and drains it once the delay
// has passed, without waiting for a reconnect.
func (s *Session) retryAfterLocked(delay time.Duration) {
	s.holdUntil = s.now().Add(delay)
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, s.retryPending)
}

func (s *Session) retryPending() {
	s.mu.Lock()
	n, err := s.flushLocked()
	open := s.open
	s.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Int("sent", n).Msg("[client] retry stopped")
		return
	}
	if n > 0 && open != "" {
		s.emit(Event{Kind: EventMessage, Counterpart: open})
	}
}

func (s *Session) setPlaceholderStatus(counterpart, tempID string, status chat.Status) {
	view := s.views[counterpart]
	for i := range view {
		if view[i].Kind == KindOptimistic && view[i].TempID == tempID {
			view[i].Message.Status = status
			return
		}
	}
}

// Typing signals that the user is typing to receiverID. The first call
// sends typing; later calls within half the typing timeout only push back
// the automatic stopTyping.
func (s *Session) Typing(receiverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil || !s.out.Connected() {
		return
	}

	now := s.now()
	if s.typingTo != receiverID || now.Sub(s.typingSent) >= s.config.TypingTimeout/2 {
		if s.typingTo != "" && s.typingTo != receiverID {
			s.stopTypingLocked()
		}
		if err := s.out.Send(protocol.TypeTyping, protocol.TypingMsg{ReceiverID: receiverID}); err != nil {
			return
		}
		s.typingTo = receiverID
		s.typingSent = now
	}

	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.config.TypingIdle, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.typingTo == receiverID {
			s.stopTypingLocked()
		}
	})
}

// StopTyping sends stopTyping right away, e.g. when the message is sent.
func (s *Session) StopTyping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTypingLocked()
}

func (s *Session) stopTypingLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if s.typingTo == "" {
		return
	}
	if s.out != nil {
		_ = s.out.Send(protocol.TypeStopTyping, protocol.TypingMsg{ReceiverID: s.typingTo})
	}
	s.typingTo = ""
	s.typingSent = time.Time{}
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

// OnConnect drains the outbox unless a retry hold is still pending. The
// channel has already announced join and userOnline.
func (s *Session) OnConnect() {
	s.mu.Lock()
	n, err := s.flushLocked()
	if err == nil && s.open != "" {
		s.acknowledgeLocked(s.open)
	}
	s.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Int("sent", n).Msg("[client] outbox drain stopped")
		return
	}
	if n > 0 {
		log.Debug().Int("sent", n).Msg("[client] outbox drained")
	}
}

// OnDisconnect forgets the typing state owned by the old connection.
func (s *Session) OnDisconnect(err error) {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingTo = ""
	s.mu.Unlock()
	log.Debug().Err(err).Msg("[client] disconnected")
}

// OnFrame applies one server event to the local state.
func (s *Session) OnFrame(msgType string, payload any) {
	switch m := payload.(type) {
	case protocol.MessageMsg:
		switch msgType {
		case protocol.TypeMessageSent:
			s.onConfirmed(m.Message, m.ClientTempID)
		case protocol.TypeReceiveMessage:
			s.onReceive(m.Message)
		case protocol.TypeMessageEdited:
			s.onConfirmed(m.Message, "")
		}
	case protocol.MessageDeliveredMsg:
		s.onStatus(m.ReceiverID, []string{m.MessageID}, chat.StatusDelivered)
	case protocol.MessagesSeenMsg:
		s.onStatus(m.ReaderID, m.MessageIDs, chat.StatusRead)
	case protocol.MessageErrorMsg:
		s.onSendError(m)
	case protocol.MessageRemovedMsg:
		s.onRemoved(m.MessageID)
	case protocol.UpdateReactionsMsg:
		s.onReactions(m)
	case protocol.ServerTypingMsg:
		s.onTyping(m.SenderID, msgType == protocol.TypeTyping)
	case protocol.UserStatusChangedMsg:
		s.mu.Lock()
		s.online[m.UserID] = m.IsOnline
		s.mu.Unlock()
		s.emit(Event{Kind: EventPresence, Counterpart: m.UserID})
	case protocol.ErrorMsg:
		s.emit(Event{Kind: EventError, Text: m.Code + ": " + m.Message})
	case protocol.RateLimitedMsg:
		s.emit(Event{Kind: EventError, Text: "rate limited: " + m.Event})
	}
}

// onConfirmed merges an authoritative record of a message the user is a
// participant of.
func (s *Session) onConfirmed(m chat.Message, tempID string) {
	counterpart := m.Counterpart(s.config.UserID)
	if counterpart == "" {
		return
	}
	s.mu.Lock()
	s.views[counterpart] = Reconcile(s.views[counterpart], m, tempID)
	if tempID != "" {
		s.retry.Reset()
	}
	visible := counterpart == s.open
	s.mu.Unlock()

	if visible {
		s.emit(Event{Kind: EventMessage, Counterpart: counterpart})
	}
}

// onReceive merges an inbound message. The unread counter of a hidden
// conversation grows once per message id; the open conversation is
// acknowledged instead.
func (s *Session) onReceive(m chat.Message) {
	sender := m.SenderID
	s.mu.Lock()
	seen := false
	for _, l := range s.views[sender] {
		if l.Kind == KindConfirmed && l.Message.ID == m.ID {
			seen = true
			break
		}
	}
	s.views[sender] = Reconcile(s.views[sender], m, "")
	delete(s.typing, sender)

	visible := sender == s.open
	if visible {
		s.acknowledgeLocked(sender)
	} else if !seen {
		s.unread[sender]++
	}
	s.mu.Unlock()

	if visible {
		s.emit(Event{Kind: EventMessage, Counterpart: sender})
	} else if !seen {
		s.emit(Event{Kind: EventUnread, Counterpart: sender})
	}
}

func (s *Session) onStatus(counterpart string, ids []string, status chat.Status) {
	s.mu.Lock()
	view := s.views[counterpart]
	for _, id := range ids {
		view = ApplyStatus(view, id, status)
	}
	s.views[counterpart] = view
	visible := counterpart == s.open
	s.mu.Unlock()

	if visible {
		s.emit(Event{Kind: EventMessage, Counterpart: counterpart})
	}
}

// onSendError fails the placeholder and queues it again, unless the server
// rejected the message itself. The queue is retried after a backoff, or
// after the server's retryAfter for rate_limited, while the channel stays up.
func (s *Session) onSendError(m protocol.MessageErrorMsg) {
	s.mu.Lock()
	var counterpart string
	var placeholder *LocalMessage
	for c, view := range s.views {
		for i := range view {
			if view[i].Kind == KindOptimistic && view[i].TempID == m.ClientTempID {
				counterpart = c
				placeholder = &view[i]
			}
		}
	}
	if placeholder == nil {
		s.mu.Unlock()
		return
	}
	s.views[counterpart] = MarkFailed(s.views[counterpart], m.ClientTempID)

	if m.Code != protocol.CodeInvalidMessage {
		pm := placeholder.Message
		if _, err := s.outbox.Enqueue(PendingSend{
			TempID:     m.ClientTempID,
			ReceiverID: pm.ReceiverID,
			Content:    pm.Content,
			Attachment: pm.Attachment,
			ReplyTo:    pm.ReplyTo,
			QueuedAt:   s.now(),
		}); err != nil {
			log.Error().Err(err).Msg("[client] requeue failed send")
		}
		delay := s.retry.NextBackOff()
		if m.RetryAfter > 0 {
			delay = time.Duration(m.RetryAfter) * time.Second
		}
		s.retryAfterLocked(delay)
	}
	visible := counterpart == s.open
	s.mu.Unlock()

	if visible {
		s.emit(Event{Kind: EventMessage, Counterpart: counterpart})
	}
	s.emit(Event{Kind: EventError, Counterpart: counterpart, Text: m.Code + ": " + m.Message})
}

func (s *Session) onRemoved(messageID string) {
	s.mu.Lock()
	var changed string
	for c, view := range s.views {
		next := Remove(view, messageID)
		if len(next) != len(view) {
			s.views[c] = next
			changed = c
		}
	}
	visible := changed != "" && changed == s.open
	s.mu.Unlock()

	if visible {
		s.emit(Event{Kind: EventMessage, Counterpart: changed})
	}
}

func (s *Session) onReactions(m protocol.UpdateReactionsMsg) {
	s.mu.Lock()
	var changed string
	for c, view := range s.views {
		for i := range view {
			if view[i].Kind == KindConfirmed && view[i].Message.ID == m.MessageID {
				view[i].Message.Reactions = m.Reactions
				changed = c
			}
		}
	}
	visible := changed != "" && changed == s.open
	s.mu.Unlock()

	if visible {
		s.emit(Event{Kind: EventMessage, Counterpart: changed})
	}
}

// onTyping records or clears a counterpart's typing indicator. A timer
// clears it after TypingTimeout of silence so a lost stopTyping cannot
// leave it stuck.
func (s *Session) onTyping(senderID string, typing bool) {
	s.mu.Lock()
	if t := s.timers[senderID]; t != nil {
		t.Stop()
		delete(s.timers, senderID)
	}
	if typing {
		s.typing[senderID] = s.now()
		s.timers[senderID] = time.AfterFunc(s.config.TypingTimeout, func() {
			s.mu.Lock()
			_, still := s.typing[senderID]
			if still && s.now().Sub(s.typing[senderID]) >= s.config.TypingTimeout {
				delete(s.typing, senderID)
				delete(s.timers, senderID)
			} else {
				still = false
			}
			s.mu.Unlock()
			if still {
				s.emit(Event{Kind: EventTyping, Counterpart: senderID})
			}
		})
	} else {
		delete(s.typing, senderID)
	}
	s.mu.Unlock()
	s.emit(Event{Kind: EventTyping, Counterpart: senderID})
}
