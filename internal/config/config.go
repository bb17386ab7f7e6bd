package config

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	settingsFileName  = "botnet.yaml"
	keyFileName       = "key.pem"
	certFileName      = "cert.pem"
	caCertFileName    = "ca-cert.pem"
	knownBotsFileName = "known-bots.txt"

	DefaultPort = 8123

	TransportTLS  = "tls"
	TransportQUIC = "quic"
)

// Settings are the optional settings read from botnet.yaml. Zero values
// mean the default is used.
type Settings struct {
	Listen               string        `yaml:"listen,omitempty"`
	Transport            string        `yaml:"transport,omitempty"`
	GossipInterval       time.Duration `yaml:"gossipInterval,omitempty"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval,omitempty"`
	PeerTimeout          time.Duration `yaml:"peerTimeout,omitempty"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts,omitempty"`
	LogLevel             string        `yaml:"logLevel,omitempty"`
}

// Config is the contents of a bot's config directory.
type Config struct {
	Settings Settings
	// Certificate is the bot's own key pair, from key.pem and cert.pem.
	Certificate tls.Certificate
	// Roots contains the CA from ca-cert.pem. Only bots with certificates
	// signed by this CA are authorized.
	Roots *x509.CertPool
	// KnownBots contains the addresses from known-bots.txt.
	KnownBots []string
}

// Load loads the config directory. The key pair and CA are required,
// botnet.yaml and known-bots.txt are optional.
func Load(dir string) (*Config, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(dir, certFileName),
		filepath.Join(dir, keyFileName),
	)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	roots, err := LoadRoots(filepath.Join(dir, caCertFileName))
	if err != nil {
		return nil, err
	}

	settings, err := LoadSettings(dir)
	if err != nil {
		return nil, err
	}

	knownBots, err := LoadKnownBots(dir)
	if err != nil {
		return nil, err
	}

	return &Config{
		Settings:    settings,
		Certificate: cert,
		Roots:       roots,
		KnownBots:   knownBots,
	}, nil
}

func LoadRoots(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("ca cert %s: no certificates found", path)
	}
	return roots, nil
}

func LoadSettings(dir string) (Settings, error) {
	var settings Settings

	raw, err := os.ReadFile(filepath.Join(dir, settingsFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("read settings: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return settings, nil
	}

	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return settings, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

func (s Settings) Validate() error {
	switch s.Transport {
	case "", TransportTLS, TransportQUIC:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportTLS, TransportQUIC, s.Transport)
	}
	if s.GossipInterval < 0 {
		return errors.New("gossipInterval must be >= 0")
	}
	if s.HeartbeatInterval < 0 {
		return errors.New("heartbeatInterval must be >= 0")
	}
	if s.PeerTimeout < 0 {
		return errors.New("peerTimeout must be >= 0")
	}
	if s.MaxReconnectAttempts < 0 {
		return errors.New("maxReconnectAttempts must be >= 0")
	}
	return nil
}

// LoadKnownBots reads known-bots.txt, which contains one address per line.
// Blank lines and lines starting with # are ignored, and addresses without
// a port use the default port. A missing file contains no bots.
func LoadKnownBots(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, knownBotsFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read known bots: %w", err)
	}
	defer f.Close()

	var addrs []string
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		addr := canonicalAddr(line)
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read known bots: %w", err)
	}
	return addrs, nil
}

func canonicalAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(DefaultPort))
}
