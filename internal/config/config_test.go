package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir string, name string, content string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

// writeKeyPair writes a self signed CA and a key pair signed by it.
func writeKeyPair(t *testing.T, dir string) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "botnet ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "bot"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caTemplate, &key.PublicKey, caKey)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	writeFile(t, dir, caCertFileName, string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})))
	writeFile(t, dir, certFileName, string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})))
	writeFile(t, dir, keyFileName, string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeKeyPair(t, dir)
	writeFile(t, dir, knownBotsFileName, "10.26.104.11:9000\n\n# comment\n10.26.104.12\n")
	writeFile(t, dir, settingsFileName, "listen: \":9000\"\ntransport: quic\ngossipInterval: 500ms\nmaxReconnectAttempts: 5\n")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.NotNil(t, cfg.Roots)
	assert.NotEmpty(t, cfg.Certificate.Certificate)
	assert.Equal(t, []string{"10.26.104.11:9000", "10.26.104.12:8123"}, cfg.KnownBots)
	assert.Equal(t, Settings{
		Listen:               ":9000",
		Transport:            TransportQUIC,
		GossipInterval:       500 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, cfg.Settings)
}

func TestLoad_OptionalFilesMissing(t *testing.T) {
	dir := t.TempDir()
	writeKeyPair(t, dir)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, cfg.KnownBots)
	assert.Equal(t, Settings{}, cfg.Settings)
}

func TestLoad_MissingKeyPair(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		Name    string
		Content string
	}{
		{
			Name:    "unknown transport",
			Content: "transport: udp\n",
		},
		{
			Name:    "negative interval",
			Content: "gossipInterval: -1s\n",
		},
		{
			Name:    "malformed",
			Content: "listen: [\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, settingsFileName, tt.Content)

			_, err := LoadSettings(dir)
			assert.Error(t, err)
		})
	}
}

func TestLoadKnownBots_Dedupes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, knownBotsFileName, "  10.0.0.1  \n10.0.0.1:8123\n[::1]:9000\n")

	addrs, err := LoadKnownBots(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:8123", "[::1]:9000"}, addrs)
}
