package botnet

import (
	"encoding/json"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPort              = 8123
	DefaultGossipInterval    = time.Second
	DefaultHeartbeatInterval = time.Second
	DefaultIdentTimeout      = 2 * time.Second
	DefaultDialTimeout       = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultReconnectDelay    = 500 * time.Millisecond
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultReconnectJitter   = 0.2
)

type Options struct {
	// Transport is used to listen for and dial connections to other bots.
	// This is required.
	Transport Transport

	// SeedCB is a callback that returns a list of seed addresses to use to
	// join the botnet. This will be called on startup and whenever the bot
	// does not know about any other bots. If nil the bot will not attempt to
	// seed and must wait for other bots to connect instead.
	SeedCB func() []string

	// OnListening is invoked once the bot is listening.
	OnListening func(addr net.Addr)

	// OnPeerConnect is invoked each time a connection to a peer completes
	// its handshake.
	OnPeerConnect func(peer *Peer)

	// OnMessage is invoked with each application message received.
	OnMessage func(msg json.RawMessage, peer *Peer)

	// OnPart is invoked once when a peer parts, either because its heartbeat
	// timed out or it was explicitly parted.
	OnPart func(peer *Peer)

	// OnDisconnect is invoked when an established connection to a peer
	// closes. The peer may still have other connections.
	OnDisconnect func(peer *Peer, err error)

	// OnUpgrade is invoked when a peer upgrades a connection. The callback
	// owns the connection. If nil incoming upgrades are closed.
	OnUpgrade func(u *Upgrade)

	// OnShellControl is invoked with shellClose and winsize messages.
	OnShellControl func(peer *Peer, msg ShellControl)

	// OnUpdate is invoked when a peers state is updated.
	OnUpdate func(sessionID uint64, key string, value json.RawMessage)

	// GossipInterval is the time between gossip rounds, when the bot selects
	// a random peer to sync with.
	// If not set defaults to 1s.
	GossipInterval time.Duration

	// HeartbeatInterval is the time between updating the local heartbeat.
	// If not set defaults to 1s.
	HeartbeatInterval time.Duration

	// PeerTimeout is how long a peers heartbeat may remain unchanged before
	// the peer is parted. Must exceed HeartbeatInterval.
	// If not set defaults to twice the heartbeat interval.
	PeerTimeout time.Duration

	// IdentTimeout is how long to wait for the remote to identify itself
	// after connecting.
	// If not set defaults to 2s.
	IdentTimeout time.Duration

	// DialTimeout bounds each reconnection attempt.
	DialTimeout time.Duration

	// WriteTimeout is the deadline for writing a single frame, if supported
	// by the transport.
	WriteTimeout time.Duration

	// ReconnectDelay is the delay after the first failed reconnection
	// attempt, which doubles on each failure up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// ReconnectJitter randomizes each delay by up to this fraction.
	ReconnectJitter float64
	// MaxReconnectAttempts is the number of attempts before giving up on a
	// reconnection. Zero means never give up.
	MaxReconnectAttempts int

	Logger *zap.Logger
}

// ShellControl is a terminal control message sent alongside a shell
// session.
type ShellControl struct {
	// Close is set when the remote requests the shell is closed.
	Close bool
	// Cols and Rows are set when the remote terminal is resized.
	Cols int
	Rows int
}

type Option func(*Options)

func WithTransport(transport Transport) Option {
	return func(opts *Options) {
		opts.Transport = transport
	}
}

func WithSeedCB(seedCB func() []string) Option {
	return func(opts *Options) {
		opts.SeedCB = seedCB
	}
}

// WithSeeds seeds from a fixed list of addresses.
func WithSeeds(seeds ...string) Option {
	return func(opts *Options) {
		opts.SeedCB = func() []string {
			return seeds
		}
	}
}

func WithOnListening(cb func(addr net.Addr)) Option {
	return func(opts *Options) {
		opts.OnListening = cb
	}
}

func WithOnPeerConnect(cb func(peer *Peer)) Option {
	return func(opts *Options) {
		opts.OnPeerConnect = cb
	}
}

func WithOnMessage(cb func(msg json.RawMessage, peer *Peer)) Option {
	return func(opts *Options) {
		opts.OnMessage = cb
	}
}

func WithOnPart(cb func(peer *Peer)) Option {
	return func(opts *Options) {
		opts.OnPart = cb
	}
}

func WithOnDisconnect(cb func(peer *Peer, err error)) Option {
	return func(opts *Options) {
		opts.OnDisconnect = cb
	}
}

func WithOnUpgrade(cb func(u *Upgrade)) Option {
	return func(opts *Options) {
		opts.OnUpgrade = cb
	}
}

func WithOnShellControl(cb func(peer *Peer, msg ShellControl)) Option {
	return func(opts *Options) {
		opts.OnShellControl = cb
	}
}

func WithOnUpdate(cb func(sessionID uint64, key string, value json.RawMessage)) Option {
	return func(opts *Options) {
		opts.OnUpdate = cb
	}
}

func WithGossipInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.GossipInterval = interval
	}
}

func WithHeartbeatInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.HeartbeatInterval = interval
	}
}

func WithPeerTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.PeerTimeout = timeout
	}
}

func WithIdentTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.IdentTimeout = timeout
	}
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.DialTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.WriteTimeout = timeout
	}
}

func WithReconnectBackoff(delay time.Duration, maxDelay time.Duration, jitter float64) Option {
	return func(opts *Options) {
		opts.ReconnectDelay = delay
		opts.MaxReconnectDelay = maxDelay
		opts.ReconnectJitter = jitter
	}
}

func WithMaxReconnectAttempts(attempts int) Option {
	return func(opts *Options) {
		opts.MaxReconnectAttempts = attempts
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func defaultOptions() *Options {
	l, _ := zap.NewDevelopment()
	return &Options{
		GossipInterval:    DefaultGossipInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		IdentTimeout:      DefaultIdentTimeout,
		DialTimeout:       DefaultDialTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		ReconnectDelay:    DefaultReconnectDelay,
		MaxReconnectDelay: DefaultMaxReconnectDelay,
		ReconnectJitter:   DefaultReconnectJitter,
		Logger:            l,
	}
}
