package botnet

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/strongloop-forks/node-botnet/internal"
	"go.uber.org/zap"
)

const (
	// readBufSize is used to buffer incoming bytes during read operations.
	readBufSize = 32 * 1024
)

type upgradeResult struct {
	upgrade *Upgrade
	err     error
}

// conn runs the protocol on a single transport connection.
type conn struct {
	// id is a short random ID used to correlate logs.
	id        string
	bot       *Bot
	transport Conn
	// outbound is true if we dialed the connection.
	outbound bool
	// parser is only used by the read loop.
	parser *internal.Parser

	// mu protects the below fields.
	mu    sync.Mutex
	state internal.ConnState
	// peer is set once the remote identifies itself.
	peer *Peer
	// shellCh receives the result of a pending shell upgrade request.
	shellCh    chan upgradeResult
	identTimer *time.Timer

	// writeMu serializes writes so frames are never interleaved. Must be
	// acquired before mu.
	writeMu sync.Mutex

	handshakeOnce sync.Once
	handshakeDone chan struct{}
	handshakeErr  error

	closeOnce sync.Once
	closeErr  error

	logger *zap.Logger
}

func newConn(b *Bot, transport Conn, outbound bool) *conn {
	id := uuid.New().String()[:7]
	return &conn{
		id:            id,
		bot:           b,
		transport:     transport,
		outbound:      outbound,
		parser:        internal.NewParser(),
		state:         internal.ConnStateNew,
		handshakeDone: make(chan struct{}),
		logger: b.logger.With(
			zap.String("conn", id),
			zap.String("remote", addrString(transport.RemoteAddr())),
			zap.Bool("outbound", outbound),
		),
	}
}

func (c *conn) Peer() *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peer
}

func (c *conn) State() internal.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// start identifies ourselves to the remote. The accepting side also starts
// a gossip round.
func (c *conn) start() error {
	c.mu.Lock()
	state, err := c.state.Transition(internal.ConnStateHandshaking)
	c.state = state
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Debug("sending ident")

	if err := c.writeMessage(&internal.Ident{
		SessionID:   c.bot.sessionID,
		YourAddress: remoteHost(c.transport.RemoteAddr()),
	}); err != nil {
		return fmt.Errorf("failed to send ident: %w", err)
	}
	if !c.outbound {
		if err := c.writeMessage(&internal.Gossip0{Digest: c.bot.store.Digest()}); err != nil {
			return fmt.Errorf("failed to send gossip: %w", err)
		}
	}

	c.mu.Lock()
	if c.state == internal.ConnStateHandshaking {
		c.identTimer = time.AfterFunc(c.bot.opts.IdentTimeout, c.onIdentTimeout)
	}
	c.mu.Unlock()
	return nil
}

// readLoop is a long running goroutine that reads from the transport and
// handles incoming frames until the connection is closed or upgraded.
func (c *conn) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			for _, f := range c.parser.Execute(buf[:n]) {
				switch f.Kind {
				case internal.FrameMessage:
					if err := c.onMessage(f.Message); err != nil {
						c.destroy(err)
						return
					}
				case internal.FrameUpgrade:
					// The remote owns the stream from here, so stop reading.
					c.onUpgrade(f.Upgrade, f.Rest)
					return
				case internal.FrameError:
					c.destroy(fmt.Errorf("%w: %s", ErrProtocolViolation, f.Err))
					return
				}
			}
		}
		if err != nil {
			c.destroy(fmt.Errorf("read: %w", err))
			return
		}
	}
}

func (c *conn) onMessage(raw []byte) error {
	msg, err := internal.DecodeMessage(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}

	switch m := msg.(type) {
	case *internal.Ident:
		return c.onIdent(m)

	case *internal.Gossip0:
		c.logger.Debug("received gossip0", zap.Array("digest", m.Digest))
		return c.reply(&internal.Gossip1{
			Digest: c.bot.store.Digest(),
			Update: c.bot.store.Update(m.Digest),
		})

	case *internal.Gossip1:
		c.logger.Debug("received gossip1", zap.Array("digest", m.Digest), zap.Int("update", len(m.Update)))
		c.bot.store.Reconcile(m.Update)
		return c.reply(&internal.Gossip2{
			Update: c.bot.store.Update(m.Digest),
		})

	case *internal.Gossip2:
		c.logger.Debug("received gossip2", zap.Int("update", len(m.Update)))
		c.bot.store.Reconcile(m.Update)
		return nil

	case *internal.ShellClose:
		peer := c.Peer()
		if peer == nil {
			return fmt.Errorf("%w: shellClose before ident", ErrProtocolViolation)
		}
		c.bot.onShellControl(peer, ShellControl{Close: true})
		return nil

	case *internal.Winsize:
		peer := c.Peer()
		if peer == nil {
			return fmt.Errorf("%w: winsize before ident", ErrProtocolViolation)
		}
		c.bot.onShellControl(peer, ShellControl{Cols: m.Cols, Rows: m.Rows})
		return nil

	case *internal.AppMessage:
		peer := c.Peer()
		if peer == nil {
			return fmt.Errorf("%w: message before ident", ErrProtocolViolation)
		}
		c.bot.onMessage(m.Raw, peer)
		return nil
	}
	return fmt.Errorf("%w: unhandled message %T", ErrProtocolViolation, msg)
}

func (c *conn) onIdent(m *internal.Ident) error {
	if m.SessionID == c.bot.sessionID {
		return ErrSelfConnect
	}

	c.mu.Lock()
	if c.peer != nil {
		current := c.peer.sessionID
		c.mu.Unlock()
		if current == m.SessionID {
			return nil
		}
		return fmt.Errorf("%w: ident changed session from %d to %d", ErrProtocolViolation, current, m.SessionID)
	}
	c.mu.Unlock()

	c.bot.learnHost(m.YourAddress)

	peer, err := c.bot.peerFor(m.SessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == internal.ConnStateError {
		c.mu.Unlock()
		return ErrIdentTimeout
	}
	state, err := c.state.Transition(internal.ConnStateOK)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	c.state = state
	c.peer = peer
	if c.identTimer != nil {
		c.identTimer.Stop()
	}
	c.mu.Unlock()

	if err := peer.addConn(c); err != nil {
		return err
	}

	c.logger.Info("peer connected", zap.Uint64("peer", m.SessionID))

	c.completeHandshake(nil)
	c.bot.onPeerConnect(peer)
	return nil
}

func (c *conn) onUpgrade(upgradeType string, rest []byte) {
	if upgradeType != UpgradeShell {
		c.destroy(fmt.Errorf("%w: unsupported upgrade: %s", ErrProtocolViolation, upgradeType))
		return
	}

	c.writeMu.Lock()

	c.mu.Lock()
	prev := c.state
	peer := c.peer
	shellCh := c.shellCh
	c.shellCh = nil
	state, err := prev.Transition(internal.ConnStateShell)
	c.state = state
	c.mu.Unlock()

	if err != nil {
		c.writeMu.Unlock()
		c.destroy(fmt.Errorf("%w: unexpected upgrade: %s", ErrProtocolViolation, err))
		return
	}

	// If the remote requested the upgrade, accept by upgrading our side too.
	accepted := prev == internal.ConnStateOK
	if accepted {
		err = c.write(internal.UpgradeLine(upgradeType))
	}
	c.writeMu.Unlock()

	if err != nil {
		c.destroy(fmt.Errorf("failed to accept upgrade: %w", err))
		return
	}

	c.logger.Info(
		"connection upgraded",
		zap.String("type", upgradeType),
		zap.Bool("accepted", accepted),
	)

	// The connection no longer carries messages so the peer can't use it.
	peer.removeConn(c, nil, false)

	u := &Upgrade{
		Peer:     peer,
		Type:     upgradeType,
		Accepted: accepted,
		conn:     c,
		rest:     rest,
	}
	if accepted {
		c.bot.onUpgrade(u)
	} else {
		shellCh <- upgradeResult{upgrade: u}
	}
}

// requestUpgrade asks the remote to upgrade the connection. The returned
// channel receives the result once the remote accepts.
func (c *conn) requestUpgrade(upgradeType string) (<-chan upgradeResult, error) {
	c.writeMu.Lock()

	c.mu.Lock()
	state, err := c.state.Transition(internal.ConnStateShellUpgradeReq)
	if err != nil {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoReadyConnection, err)
	}
	c.state = state
	ch := make(chan upgradeResult, 1)
	c.shellCh = ch
	c.mu.Unlock()

	err = c.write(internal.UpgradeLine(upgradeType))
	c.writeMu.Unlock()

	if err != nil {
		c.destroy(fmt.Errorf("failed to request upgrade: %w", err))
		return nil, err
	}
	return ch, nil
}

func (c *conn) onIdentTimeout() {
	c.mu.Lock()
	if c.state != internal.ConnStateHandshaking {
		c.mu.Unlock()
		return
	}
	// Marking the connection failed under the lock stops a concurrent ident
	// from completing the handshake.
	c.state = internal.ConnStateError
	c.mu.Unlock()

	c.destroy(ErrIdentTimeout)
}

// reply writes a protocol response. If we've since upgraded our side of the
// connection the response is dropped.
func (c *conn) reply(m internal.Message) error {
	err := c.writeMessage(m)
	if errors.Is(err, ErrNoReadyConnection) {
		return nil
	}
	return err
}

func (c *conn) writeMessage(m internal.Message) error {
	frame, err := internal.EncodeMessage(m)
	if err != nil {
		return err
	}
	return c.writeFrame(frame, false)
}

// writeFrame writes a single frame. If ready is true the frame is only
// written once the handshake has completed.
func (c *conn) writeFrame(frame []byte, ready bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	state := c.State()
	if !state.Framed() || (ready && !state.Ready()) {
		return ErrNoReadyConnection
	}
	return c.write(frame)
}

// write writes b to the transport. Must hold writeMu.
func (c *conn) write(b []byte) error {
	if wd, ok := c.transport.(writeDeadliner); ok && c.bot.opts.WriteTimeout > 0 {
		if err := wd.SetWriteDeadline(time.Now().Add(c.bot.opts.WriteTimeout)); err == nil {
			defer wd.SetWriteDeadline(time.Time{})
		}
	}
	if _, err := c.transport.Write(b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *conn) completeHandshake(err error) {
	c.handshakeOnce.Do(func() {
		c.handshakeErr = err
		close(c.handshakeDone)
	})
}

// destroy closes the connection and detaches it from its peer. Only the
// first call has any effect, returning the error from closing the
// transport.
func (c *conn) destroy(err error) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = internal.ConnStateError
		peer := c.peer
		shellCh := c.shellCh
		c.shellCh = nil
		if c.identTimer != nil {
			c.identTimer.Stop()
		}
		c.mu.Unlock()

		c.closeErr = c.transport.Close()

		if err == nil {
			err = io.EOF
		}
		c.completeHandshake(err)
		if shellCh != nil {
			shellCh <- upgradeResult{err: err}
		}
		c.bot.removeConn(c)
		// Upgraded connections have already been removed from the peer.
		if peer != nil && prev != internal.ConnStateShell {
			peer.removeConn(c, err, true)
		}

		c.logClose(prev, err)
	})
	return c.closeErr
}

func (c *conn) logClose(prev internal.ConnState, err error) {
	switch {
	case errors.Is(err, ErrProtocolViolation):
		c.logger.Warn("protocol violation; destroying connection", zap.Error(err))
	case errors.Is(err, ErrIdentTimeout), errors.Is(err, ErrSelfConnect), errors.Is(err, ErrPeerParted):
		c.logger.Info("destroying connection", zap.Error(err))
	case errors.Is(err, io.EOF), errors.Is(err, ErrClosed):
		c.logger.Debug("connection closed", zap.Stringer("state", prev))
	default:
		c.logger.Info("connection closed", zap.Stringer("state", prev), zap.Error(err))
	}
}
