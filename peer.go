package botnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/strongloop-forks/node-botnet/internal"
	"go.uber.org/zap"
)

const (
	heartbeatKey = "heartbeat"
	hostKey      = "host"
	portKey      = "port"
)

// Peer is a remote bot identified by its session ID. A peer may have any
// number of connections, and messages sent while it has none are queued
// until it reconnects.
//
// This is thread safe.
type Peer struct {
	sessionID uint64
	bot       *Bot

	// sendMu serializes sends with flushing the queue through a new
	// connection, so queued messages are always written first. Writes
	// happen under sendMu but never under mu, so a slow connection doesn't
	// block readers of the peers state. Acquired before mu.
	sendMu sync.Mutex

	// mu protects the below fields.
	mu sync.Mutex
	// conns contains the connections that have completed the handshake, in
	// the order they were established.
	conns []*conn
	// queue contains frames sent while no connection was ready.
	queue [][]byte
	// reconnecting is true while a reconnection is in progress. There is at
	// most one at a time.
	reconnecting bool
	// parted is set once the peer has parted. This is permanent.
	parted bool
	// lastHost is the remote host of the most recent connection, used if
	// the peer hasn't published its own host.
	lastHost string

	logger *zap.Logger
}

func newPeer(b *Bot, sessionID uint64) *Peer {
	return &Peer{
		sessionID: sessionID,
		bot:       b,
		logger:    b.logger.With(zap.Uint64("peer", sessionID)),
	}
}

func (p *Peer) SessionID() uint64 {
	return p.sessionID
}

func (p *Peer) String() string {
	return strconv.FormatUint(p.sessionID, 10)
}

func (p *Peer) Parted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.parted
}

// Connected returns true if the peer has a connection that can carry
// messages.
func (p *Peer) Connected() bool {
	return p.readyConn() != nil
}

// Queued returns the number of messages waiting for a connection.
func (p *Peer) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.queue)
}

// Lookup looks up the given key in the known state of the peer. Since the
// state is eventually consistent, this isn't guaranteed to be up to date
// with the actual state of the peer, though should converge quickly.
func (p *Peer) Lookup(key string) (json.RawMessage, bool) {
	return p.bot.store.Get(p.sessionID, key)
}

// Addr returns the address to dial the peer on. This uses the host and port
// the peer published, falling back to the host of its last connection.
func (p *Peer) Addr() (string, bool) {
	var port int
	raw, ok := p.Lookup(portKey)
	if !ok || json.Unmarshal(raw, &port) != nil || port <= 0 {
		return "", false
	}

	var host string
	if raw, ok := p.Lookup(hostKey); ok {
		_ = json.Unmarshal(raw, &host)
	}
	if host == "" {
		p.mu.Lock()
		host = p.lastHost
		p.mu.Unlock()
	}
	if host == "" {
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}

// Send sends an application message to the peer. m is encoded as JSON and
// must not use a reserved cmd.
//
// If the peer has no ready connection the message is queued and a
// reconnection is started. Queued messages are sent in order before any
// later message once a connection is established.
func (p *Peer) Send(m interface{}) error {
	frame, err := encodeAppMessage(m)
	if err != nil {
		return err
	}
	return p.send(frame, true)
}

// CloseShell asks the peer to close its shell session.
func (p *Peer) CloseShell() error {
	frame, err := internal.EncodeMessage(&internal.ShellClose{})
	if err != nil {
		return err
	}
	return p.send(frame, true)
}

// Winsize notifies the peer the local terminal was resized.
func (p *Peer) Winsize(cols int, rows int) error {
	frame, err := internal.EncodeMessage(&internal.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	return p.send(frame, true)
}

// Shell upgrades one of the peers connections to a shell session, waiting
// for the peer to accept. The returned upgrade owns the connection.
func (p *Peer) Shell(ctx context.Context) (*Upgrade, error) {
	c := p.readyConn()
	if c == nil {
		return nil, ErrNoReadyConnection
	}

	p.logger.Debug("requesting shell", zap.String("conn", c.id))

	ch, err := c.requestUpgrade(UpgradeShell)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.upgrade, res.err
	case <-ctx.Done():
		c.destroy(ctx.Err())
		return nil, ctx.Err()
	}
}

// Part disconnects from the peer permanently. Messages queued for it are
// discarded.
func (p *Peer) Part() {
	p.bot.part(p, "parted")
}

func (p *Peer) gossip() error {
	frame, err := internal.EncodeMessage(&internal.Gossip0{Digest: p.bot.store.Digest()})
	if err != nil {
		return err
	}
	// Don't queue gossip as the digest will be stale by the time it's sent.
	return p.send(frame, false)
}

func (p *Peer) send(frame []byte, queue bool) error {
	p.sendMu.Lock()

	p.mu.Lock()
	if p.parted {
		p.mu.Unlock()
		p.sendMu.Unlock()
		return ErrPeerParted
	}
	conns := append([]*conn(nil), p.conns...)
	p.mu.Unlock()

	var (
		failed []*conn
		errs   []error
		sent   bool
	)
	for _, c := range conns {
		err := c.writeFrame(frame, true)
		if err == nil {
			sent = true
			break
		}
		if !errors.Is(err, ErrNoReadyConnection) {
			failed = append(failed, c)
			errs = append(errs, err)
		}
	}

	reconnect := false
	p.mu.Lock()
	if !sent && !p.parted {
		if queue {
			p.queue = append(p.queue, frame)
		}
		if !p.reconnecting {
			p.reconnecting = true
			reconnect = true
		}
	}
	p.mu.Unlock()
	p.sendMu.Unlock()

	for i, c := range failed {
		c.destroy(errs[i])
	}
	if reconnect && !p.bot.spawn(p.reconnect) {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}
	return nil
}

// reconnect dials the peer until a connection is established, the peer
// parts, or the bot is closed.
func (p *Peer) reconnect() {
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	ctx := p.bot.ctx
	backoff := p.bot.backoff
	for attempt := 0; ; attempt++ {
		if p.Parted() || p.Connected() {
			return
		}

		err := p.connect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		p.logger.Debug(
			"reconnect failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		if backoff.Exhausted(attempt + 1) {
			p.logger.Warn(
				"giving up reconnecting",
				zap.Int("attempts", attempt+1),
				zap.Int("queued", p.Queued()),
				zap.Error(err),
			)
			return
		}

		select {
		case <-time.After(backoff.Delay(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

func (p *Peer) connect(ctx context.Context) error {
	addr, ok := p.Addr()
	if !ok {
		return fmt.Errorf("no known address")
	}

	p.logger.Debug("reconnecting", zap.String("addr", addr))

	ctx, cancel := context.WithTimeout(ctx, p.bot.opts.DialTimeout+p.bot.opts.IdentTimeout)
	defer cancel()

	peer, err := p.bot.Connect(ctx, addr)
	if err != nil {
		return err
	}
	if peer != p {
		return fmt.Errorf("%s is now %s", addr, peer)
	}
	return nil
}

// addConn makes a connection that completed its handshake available,
// first flushing any queued messages through it.
func (p *Peer) addConn(c *conn) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	if p.parted {
		p.mu.Unlock()
		return ErrPeerParted
	}
	// The queue only grows under sendMu, so it is stable while flushing.
	queue := p.queue
	p.mu.Unlock()

	flushed := 0
	var flushErr error
	for _, frame := range queue {
		if err := c.writeFrame(frame, true); err != nil {
			flushErr = fmt.Errorf("failed to flush queue: %w", err)
			break
		}
		flushed++
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.parted {
		return ErrPeerParted
	}
	p.queue = p.queue[flushed:]
	if len(p.queue) == 0 {
		p.queue = nil
	}
	if flushErr != nil {
		return flushErr
	}

	p.conns = append(p.conns, c)
	if host := remoteHost(c.transport.RemoteAddr()); host != "" {
		p.lastHost = host
	}
	return nil
}

// removeConn removes c from the peers connections. If notify is set and c
// was one of the peers connections, the disconnect is reported.
func (p *Peer) removeConn(c *conn, err error, notify bool) {
	p.mu.Lock()
	found := false
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i:i], p.conns[i+1:]...)
			found = true
			break
		}
	}
	parted := p.parted
	p.mu.Unlock()

	if found && notify && !parted {
		p.bot.onDisconnect(p, err)
	}
}

// part marks the peer parted and destroys its connections. Returns false if
// the peer had already parted.
func (p *Peer) part() bool {
	p.mu.Lock()
	if p.parted {
		p.mu.Unlock()
		return false
	}
	p.parted = true
	p.queue = nil
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, c := range conns {
		c.destroy(ErrPeerParted)
	}
	return true
}

func (p *Peer) readyConn() *conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.conns {
		if c.State().Ready() {
			return c
		}
	}
	return nil
}

func encodeAppMessage(m interface{}) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	var header struct {
		Cmd *string `json:"cmd"`
	}
	if json.Unmarshal(b, &header) == nil && header.Cmd != nil && internal.IsReserved(*header.Cmd) {
		return nil, fmt.Errorf("%w: %s", ErrReservedCommand, *header.Cmd)
	}
	return append(b, '\r', '\n'), nil
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func addrPort(addr net.Addr) (int, bool) {
	if addr == nil {
		return 0, false
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, false
	}
	return port, true
}
