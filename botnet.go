package botnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/strongloop-forks/node-botnet/internal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Bot is a node in the botnet. It maintains authenticated connections to
// its peers, gossips state with them using the scuttlebutt protocol, and
// parts peers whose heartbeat stops changing.
//
// This is thread safe.
type Bot struct {
	sessionID uint64
	store     *internal.Store
	liveness  *internal.LivenessMonitor
	backoff   internal.Backoff
	opts      *Options

	// mu protects the below fields.
	mu sync.Mutex
	// peers contains every peer seen by this bot. Parted peers remain so
	// they aren't recreated.
	peers map[uint64]*Peer
	// conns contains all open connections, including those yet to complete
	// their handshake and upgraded connections.
	conns    map[*conn]struct{}
	listener Listener
	closed   bool

	// seeding is true while seed addresses are being dialed.
	seeding atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	// group contains all background goroutines, which must exit before
	// Close returns.
	group errgroup.Group

	logger *zap.Logger
}

// Create will create a new Bot using the given configuration. This starts
// gossiping and heartbeating, though won't accept connections until Listen
// is called.
// After this the given configuration should not be modified again.
func Create(options ...Option) (*Bot, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(opts)
	}

	b, err := newBot(opts)
	if err != nil {
		return nil, err
	}
	b.schedule()
	return b, nil
}

func newBot(opts *Options) (*Bot, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport required")
	}
	if opts.GossipInterval <= 0 {
		return nil, fmt.Errorf("gossip interval (%s) must be positive", opts.GossipInterval)
	}
	if opts.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("heartbeat interval (%s) must be positive", opts.HeartbeatInterval)
	}
	if opts.IdentTimeout <= 0 {
		return nil, fmt.Errorf("ident timeout (%s) must be positive", opts.IdentTimeout)
	}
	if opts.PeerTimeout == 0 {
		opts.PeerTimeout = 2 * opts.HeartbeatInterval
	}
	if opts.PeerTimeout <= opts.HeartbeatInterval {
		return nil, fmt.Errorf(
			"peer timeout (%s) must exceed heartbeat interval (%s)",
			opts.PeerTimeout, opts.HeartbeatInterval,
		)
	}

	sessionID := internal.RandomSessionID()
	logger := opts.Logger.With(zap.Uint64("session", sessionID))

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		sessionID: sessionID,
		liveness:  internal.NewLivenessMonitor(opts.PeerTimeout),
		backoff: internal.Backoff{
			Base:        opts.ReconnectDelay,
			Max:         opts.MaxReconnectDelay,
			Jitter:      opts.ReconnectJitter,
			MaxAttempts: opts.MaxReconnectAttempts,
		},
		opts:   opts,
		peers:  make(map[uint64]*Peer),
		conns:  make(map[*conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	b.store = internal.NewStore(sessionID, b.onJoin, b.onUpdate, logger)

	if err := b.store.Set(heartbeatKey, time.Now().UnixMilli()); err != nil {
		cancel()
		return nil, err
	}

	logger.Info("bot created")

	return b, nil
}

func (b *Bot) SessionID() uint64 {
	return b.sessionID
}

// Addr returns the address the bot is listening on, or nil if it isn't
// listening.
func (b *Bot) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Peers returns the peers that haven't parted, ordered by session ID.
func (b *Bot) Peers() []*Peer {
	b.mu.Lock()
	defer b.mu.Unlock()

	peers := make([]*Peer, 0, len(b.peers))
	for _, p := range b.peers {
		if !p.Parted() {
			peers = append(peers, p)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].sessionID < peers[j].sessionID
	})
	return peers
}

// Peer returns the peer with the given session ID, including parted peers.
func (b *Bot) Peer(sessionID uint64) (*Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.peers[sessionID]
	return p, ok
}

// Lookup looks up the given key in the known state of the bot with the
// given session ID.
func (b *Bot) Lookup(sessionID uint64, key string) (json.RawMessage, bool) {
	return b.store.Get(sessionID, key)
}

// Set updates this bots state with the given key and the JSON encoding of
// value. This will be propagated to the other bots.
func (b *Bot) Set(key string, value interface{}) error {
	return b.store.Set(key, value)
}

// Listen starts accepting connections on addr. If addr is empty the default
// port is used if available, otherwise any free port.
func (b *Bot) Listen(addr string) error {
	ln, err := b.listen(addr)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	if b.listener != nil {
		b.mu.Unlock()
		ln.Close()
		return fmt.Errorf("already listening on %s", b.listener.Addr())
	}
	b.listener = ln
	b.group.Go(func() error {
		b.acceptLoop(ln)
		return nil
	})
	b.mu.Unlock()

	if port, ok := addrPort(ln.Addr()); ok {
		if err := b.store.Set(portKey, port); err != nil {
			return err
		}
	}

	b.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	if b.opts.OnListening != nil {
		b.opts.OnListening(ln.Addr())
	}
	return nil
}

func (b *Bot) listen(addr string) (Listener, error) {
	if addr != "" {
		ln, err := b.opts.Transport.Listen(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return ln, nil
	}

	ln, err := b.opts.Transport.Listen(fmt.Sprintf(":%d", DefaultPort))
	if err == nil {
		return ln, nil
	}
	b.logger.Debug("default port unavailable", zap.Error(err))

	ln, err = b.opts.Transport.Listen(":0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return ln, nil
}

// Connect dials addr and waits for the remote to identify itself, returning
// the connected peer.
func (b *Bot) Connect(ctx context.Context, addr string) (*Peer, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	b.logger.Debug("connecting", zap.String("addr", addr))

	transport, err := b.opts.Transport.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c, err := b.startConn(transport, true)
	if err != nil {
		return nil, err
	}

	select {
	case <-c.handshakeDone:
		if c.handshakeErr != nil {
			return nil, c.handshakeErr
		}
		return c.Peer(), nil
	case <-ctx.Done():
		c.destroy(ctx.Err())
		return nil, ctx.Err()
	}
}

// Seed connects to each of the given addresses, ignoring our own address.
func (b *Bot) Seed(ctx context.Context, addrs []string) error {
	var self string
	if addr := b.Addr(); addr != nil {
		self = addr.String()
	}

	var (
		mu     sync.Mutex
		result error
		g      errgroup.Group
	)
	for _, addr := range addrs {
		if addr == self {
			continue
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout+b.opts.IdentTimeout)
			defer cancel()

			if _, err := b.Connect(ctx, addr); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("seed %s: %w", addr, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// Broadcast sends an application message to every peer that hasn't parted.
func (b *Bot) Broadcast(m interface{}) error {
	frame, err := encodeAppMessage(m)
	if err != nil {
		return err
	}

	var result error
	for _, p := range b.Peers() {
		if err := p.send(frame, true); err != nil {
			result = multierror.Append(result, fmt.Errorf("peer %s: %w", p, err))
		}
	}
	return result
}

// Close closes all connections, stops listening and stops gossiping. Close
// must not be called from a callback.
func (b *Bot) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ln := b.listener
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	b.logger.Debug("close")

	b.cancel()

	var result error
	if ln != nil {
		if err := ln.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close listener: %w", err))
		}
	}
	for _, c := range conns {
		if err := c.destroy(ErrClosed); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("failed to close connection %s: %w", c.id, err))
		}
	}

	// Block until all background goroutines have exited.
	_ = b.group.Wait()
	return result
}

func (b *Bot) schedule() {
	b.group.Go(b.gossipLoop)
	b.group.Go(b.heartbeatLoop)
	b.group.Go(func() error {
		b.seed()
		return nil
	})
}

func (b *Bot) gossipLoop() error {
	ticker := time.NewTicker(b.opts.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.round()
		case <-b.ctx.Done():
			return nil
		}
	}
}

func (b *Bot) heartbeatLoop() error {
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			b.heartbeat(now)
		case <-b.ctx.Done():
			return nil
		}
	}
}

func (b *Bot) round() {
	peers := b.Peers()
	if len(peers) == 0 {
		// If we don't know about any other peers re-seed.
		b.seed()
		return
	}

	// Scuttlebutt with a random peer.
	peer := peers[rand.IntN(len(peers))]

	b.logger.Debug("gossip with peer", zap.Uint64("peer", peer.sessionID))

	if err := peer.gossip(); err != nil {
		b.logger.Warn("failed to gossip", zap.Uint64("peer", peer.sessionID), zap.Error(err))
	}
}

func (b *Bot) seed() {
	if b.opts.SeedCB == nil {
		return
	}
	if !b.seeding.CompareAndSwap(false, true) {
		return
	}
	defer b.seeding.Store(false)

	seeds := b.opts.SeedCB()
	if len(seeds) == 0 {
		return
	}
	seeds = append([]string(nil), seeds...)
	internal.Shuffle(seeds)

	b.logger.Debug("seeding", zap.Strings("seeds", seeds))

	if err := b.Seed(b.ctx, seeds); err != nil && b.ctx.Err() == nil {
		b.logger.Info("failed to seed", zap.Error(err))
	}
}

// heartbeat publishes a new heartbeat then parts any peer whose heartbeat
// hasn't changed within the peer timeout.
func (b *Bot) heartbeat(now time.Time) {
	if err := b.store.Set(heartbeatKey, now.UnixMilli()); err != nil {
		b.logger.Error("failed to update heartbeat", zap.Error(err))
	}
	b.sweep(now)
}

func (b *Bot) sweep(now time.Time) {
	ids := make(map[uint64]struct{})
	for _, id := range b.store.Owners(false) {
		ids[id] = struct{}{}
	}
	for _, p := range b.Peers() {
		ids[p.sessionID] = struct{}{}
	}

	for id := range ids {
		if p, ok := b.Peer(id); ok && p.Parted() {
			continue
		}
		value, _ := b.store.Get(id, heartbeatKey)
		if b.liveness.Observe(id, value, now) == internal.PeerStatusDown {
			p, err := b.peerFor(id)
			if err != nil {
				continue
			}
			b.part(p, "heartbeat timeout")
		}
	}
}

func (b *Bot) part(p *Peer, reason string) {
	if !p.part() {
		return
	}
	b.liveness.Remove(p.sessionID)

	b.logger.Info("peer parted", zap.Uint64("peer", p.sessionID), zap.String("reason", reason))

	if b.opts.OnPart != nil {
		b.opts.OnPart(p)
	}
}

func (b *Bot) acceptLoop(ln Listener) {
	for {
		transport, err := ln.Accept()
		if err != nil {
			if !b.isClosed() {
				b.logger.Error("failed to accept connection", zap.Error(err))
			}
			return
		}
		b.spawn(func() {
			if _, err := b.startConn(transport, false); err != nil {
				b.logger.Debug("failed to start connection", zap.Error(err))
			}
		})
	}
}

// startConn begins the handshake on a new transport connection.
func (b *Bot) startConn(transport Conn, outbound bool) (*conn, error) {
	if !transport.Authorized() {
		b.logger.Warn(
			"unauthorized connection; closing",
			zap.String("remote", addrString(transport.RemoteAddr())),
		)
		transport.Close()
		return nil, ErrUnauthorized
	}

	c := newConn(b, transport, outbound)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		transport.Close()
		return nil, ErrClosed
	}
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	if err := c.start(); err != nil {
		c.destroy(err)
		return nil, err
	}
	if !b.spawn(c.readLoop) {
		c.destroy(ErrClosed)
		return nil, ErrClosed
	}
	return c, nil
}

// spawn runs fn in the background unless the bot is closed.
func (b *Bot) spawn(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.group.Go(func() error {
		fn()
		return nil
	})
	return true
}

// peerFor returns the peer with the given session ID, creating it if it
// hasn't been seen before.
func (b *Bot) peerFor(sessionID uint64) (*Peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	p, ok := b.peers[sessionID]
	if !ok {
		p = newPeer(b, sessionID)
		b.peers[sessionID] = p

		b.logger.Info("peer discovered", zap.Uint64("peer", sessionID))
	}
	if p.Parted() {
		return nil, ErrPeerParted
	}
	return p, nil
}

// learnHost records the host other bots see us connecting from, unless
// we already know it.
func (b *Bot) learnHost(host string) {
	if host == "" {
		return
	}
	if _, ok := b.store.Get(b.sessionID, hostKey); ok {
		return
	}
	if err := b.store.Set(hostKey, host); err != nil {
		b.logger.Error("failed to set host", zap.Error(err))
	}
}

func (b *Bot) removeConn(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.conns, c)
}

func (b *Bot) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

func (b *Bot) onJoin(sessionID uint64) {
	if _, err := b.peerFor(sessionID); err != nil && !errors.Is(err, ErrPeerParted) {
		b.logger.Debug("ignoring discovered peer", zap.Uint64("peer", sessionID), zap.Error(err))
	}
}

func (b *Bot) onUpdate(sessionID uint64, key string, value json.RawMessage) {
	if b.opts.OnUpdate != nil {
		b.opts.OnUpdate(sessionID, key, value)
	}
}

func (b *Bot) onPeerConnect(p *Peer) {
	if b.opts.OnPeerConnect != nil {
		b.opts.OnPeerConnect(p)
	}
}

func (b *Bot) onMessage(msg json.RawMessage, p *Peer) {
	if b.opts.OnMessage != nil {
		b.opts.OnMessage(msg, p)
	}
}

func (b *Bot) onShellControl(p *Peer, msg ShellControl) {
	if b.opts.OnShellControl != nil {
		b.opts.OnShellControl(p, msg)
	}
}

func (b *Bot) onUpgrade(u *Upgrade) {
	if b.opts.OnUpgrade == nil {
		b.logger.Warn("no upgrade handler; closing", zap.String("type", u.Type))
		u.Close()
		return
	}
	b.opts.OnUpgrade(u)
}

func (b *Bot) onDisconnect(p *Peer, err error) {
	if b.isClosed() {
		return
	}
	if b.opts.OnDisconnect != nil {
		b.opts.OnDisconnect(p, err)
	}
}
