package messaging

import (
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// LocalHub is the set of connections held by this process.
type LocalHub interface {
	SendToUser(userID string, data []byte) int
	Broadcast(data []byte)
}

// Relay pushes frames to users wherever they are connected. Local
// connections are written directly; with a NATS client the frame is also
// published so other instances can write it to their own connections.
// Without one the relay runs single-process.
type Relay struct {
	local  LocalHub
	nats   *NATSClient
	origin string

	mu   sync.Mutex
	refs map[string]int // user id -> local connections
}

// NewRelay creates a relay for local. nc may be nil.
func NewRelay(local LocalHub, nc *NATSClient, origin string) *Relay {
	return &Relay{
		local:  local,
		nats:   nc,
		origin: origin,
		refs:   make(map[string]int),
	}
}

// Start subscribes to cluster-wide presence broadcasts.
func (r *Relay) Start() error {
	if r.nats == nil {
		return nil
	}
	return r.nats.Subscribe(SubjectPresence, SubjectPresence, r.forward(func(data []byte) {
		r.local.Broadcast(data)
	}))
}

// forward drops frames this instance published itself, since it already
// wrote them to its local connections.
func (r *Relay) forward(fn func(data []byte)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if msg.Header.Get(HeaderOrigin) == r.origin {
			return
		}
		fn(msg.Data)
	}
}

// Track records a new local connection of userID, subscribing to the
// user's subject on the first one.
func (r *Relay) Track(userID string) {
	r.mu.Lock()
	r.refs[userID]++
	first := r.refs[userID] == 1
	r.mu.Unlock()

	if !first || r.nats == nil {
		return
	}
	subject := SubjectUser + "." + userID
	err := r.nats.Subscribe(subject, subject, r.forward(func(data []byte) {
		r.local.SendToUser(userID, data)
	}))
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("[relay] subscribe failed")
	}
}

// Untrack is the inverse of Track. The subscription is dropped with the
// user's last local connection.
func (r *Relay) Untrack(userID string) {
	r.mu.Lock()
	n := r.refs[userID] - 1
	if n > 0 {
		r.refs[userID] = n
	} else {
		delete(r.refs, userID)
	}
	r.mu.Unlock()

	if n > 0 || r.nats == nil {
		return
	}
	if err := r.nats.Unsubscribe(SubjectUser + "." + userID); err != nil {
		log.Debug().Err(err).Str("user", userID).Msg("[relay] unsubscribe")
	}
}

// PushToUser writes data to every connection of userID. It reports true when
// a local write succeeded or the frame was handed to NATS for the other
// instances.
func (r *Relay) PushToUser(userID string, data []byte) bool {
	delivered := r.local.SendToUser(userID, data) > 0
	if r.nats == nil {
		return delivered
	}
	if err := r.nats.Publish(SubjectUser+"."+userID, r.origin, data); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("[relay] publish failed")
		return delivered
	}
	return true
}

// Broadcast writes data to every connected client in the cluster.
func (r *Relay) Broadcast(data []byte) {
	r.local.Broadcast(data)
	if r.nats == nil {
		return
	}
	if err := r.nats.Publish(SubjectPresence, r.origin, data); err != nil {
		log.Warn().Err(err).Msg("[relay] publish broadcast failed")
	}
}
