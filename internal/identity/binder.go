package identity

import (
	"sync"
	"time"

	"pactduel/trust/internal/logging"
	"pactduel/trust/internal/validation"
)

// DefaultMaxBindingsPerPlayer caps concurrent bindings a single player
// identity may hold across all connections.
const DefaultMaxBindingsPerPlayer = 1

// Binding associates a transport-level connection with an authenticated
// player identity.
type Binding struct {
	ConnectionID string    `json:"connection_id"`
	PlayerID     string    `json:"player_id"`
	BoundAt      time.Time `json:"bound_at"`
}

// Binder owns the connection-to-player binding table and is the first gate on
// every inbound message. It fails closed on duplicate bindings so hijacked or
// multi-logged identities never reach game state.
type Binder struct {
	mu           sync.RWMutex
	maxPerPlayer int
	logger       *logging.Logger
	now          func() time.Time
	byConn       map[string]*Binding
	byPlayer     map[string]map[string]struct{}
}

// Option customises binder construction.
type Option func(*Binder)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Binder) {
		if clock != nil {
			b.now = clock
		}
	}
}

// WithMaxBindingsPerPlayer raises the system-wide concurrent binding cap.
func WithMaxBindingsPerPlayer(limit int) Option {
	return func(b *Binder) {
		if limit > 0 {
			b.maxPerPlayer = limit
		}
	}
}

// NewBinder constructs an empty binding table.
func NewBinder(logger *logging.Logger, opts ...Option) *Binder {
	binder := &Binder{
		maxPerPlayer: DefaultMaxBindingsPerPlayer,
		logger:       logger,
		now:          time.Now,
		byConn:       make(map[string]*Binding),
		byPlayer:     make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(binder)
		}
	}
	return binder
}

// Bind associates the connection with the player, failing closed when the
// connection is already bound or the player holds the maximum number of
// active bindings elsewhere.
func (b *Binder) Bind(connectionID, playerID string) validation.Result {
	if b == nil || connectionID == "" || playerID == "" {
		return validation.Reject(validation.CodeMalformed, "connection and player ids are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing := b.byConn[connectionID]; existing != nil {
		if existing.PlayerID == playerID {
			return validation.Accept()
		}
		return validation.Reject(validation.CodeIdentityConflict,
			"connection is already bound to another identity").
			WithRisk(validation.RiskHigh).Blocking().Logged()
	}
	if conns := b.byPlayer[playerID]; len(conns) >= b.maxPerPlayer {
		//1.- An active binding elsewhere is the session-hijack signal; the
		// caller must Rebind explicitly to recover a dropped connection.
		if b.logger != nil {
			b.logger.Warn("duplicate binding attempt",
				logging.String("player_id", playerID),
				logging.String("connection_id", connectionID),
			)
		}
		return validation.Reject(validation.CodeIdentityConflict,
			"player already holds an active session").
			WithRisk(validation.RiskHigh).Logged()
	}
	b.bindLocked(connectionID, playerID)
	return validation.Accept()
}

// Rebind revokes every existing binding for the player before binding the new
// connection. This is the explicit reconnection path.
func (b *Binder) Rebind(connectionID, playerID string) validation.Result {
	if b == nil || connectionID == "" || playerID == "" {
		return validation.Reject(validation.CodeMalformed, "connection and player ids are required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	//1.- Revoke stale bindings first so the invariant of one active binding
	// per connection holds throughout.
	for conn := range b.byPlayer[playerID] {
		delete(b.byConn, conn)
	}
	delete(b.byPlayer, playerID)
	if existing := b.byConn[connectionID]; existing != nil && existing.PlayerID != playerID {
		return validation.Reject(validation.CodeIdentityConflict,
			"connection is already bound to another identity").
			WithRisk(validation.RiskHigh).Blocking().Logged()
	}
	b.bindLocked(connectionID, playerID)
	return validation.Accept()
}

// Unbind removes the binding for the connection, if any.
func (b *Binder) Unbind(connectionID string) {
	if b == nil || connectionID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	binding := b.byConn[connectionID]
	if binding == nil {
		return
	}
	delete(b.byConn, connectionID)
	if conns := b.byPlayer[binding.PlayerID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(b.byPlayer, binding.PlayerID)
		}
	}
}

// IsConsistent rejects any message whose claimed identity does not match the
// identity bound to the sending connection. This check runs before every
// state-mutating handler.
func (b *Binder) IsConsistent(connectionID, claimedPlayerID string) validation.Result {
	if b == nil {
		return validation.Accept()
	}
	b.mu.RLock()
	binding := b.byConn[connectionID]
	b.mu.RUnlock()

	if binding == nil {
		return validation.Reject(validation.CodeUnbound,
			"connection has no authenticated identity").WithRisk(validation.RiskMedium)
	}
	if binding.PlayerID != claimedPlayerID {
		return validation.Reject(validation.CodeIdentityMismatch,
			"claimed identity does not match the connection").
			WithRisk(validation.RiskCritical).Blocking().Logged()
	}
	return validation.Accept()
}

// Lookup returns the binding for a connection when one exists.
func (b *Binder) Lookup(connectionID string) (Binding, bool) {
	if b == nil {
		return Binding{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if binding := b.byConn[connectionID]; binding != nil {
		return *binding, true
	}
	return Binding{}, false
}

// ActiveBindings reports how many connections are currently bound.
func (b *Binder) ActiveBindings() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byConn)
}

func (b *Binder) bindLocked(connectionID, playerID string) {
	b.byConn[connectionID] = &Binding{
		ConnectionID: connectionID,
		PlayerID:     playerID,
		BoundAt:      b.now(),
	}
	conns := b.byPlayer[playerID]
	if conns == nil {
		conns = make(map[string]struct{})
		b.byPlayer[playerID] = conns
	}
	conns[connectionID] = struct{}{}
}
