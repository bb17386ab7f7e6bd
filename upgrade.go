package botnet

import (
	"net"
)

// UpgradeShell is the only upgrade type accepted.
const UpgradeShell = "shell"

// Upgrade is a connection that has been upgraded from framed messages to
// a raw byte stream, such as a shell session.
type Upgrade struct {
	Peer *Peer
	Type string
	// Accepted is true if the remote requested the upgrade and we accepted
	// it, or false if we requested it.
	Accepted bool

	conn *conn
	// rest contains bytes of the upgraded stream that were read along with
	// the upgrade line.
	rest []byte
}

// Read reads from the upgraded stream. Note this is not thread safe.
func (u *Upgrade) Read(b []byte) (int, error) {
	if len(u.rest) > 0 {
		n := copy(b, u.rest)
		u.rest = u.rest[n:]
		return n, nil
	}
	return u.conn.transport.Read(b)
}

func (u *Upgrade) Write(b []byte) (int, error) {
	u.conn.writeMu.Lock()
	defer u.conn.writeMu.Unlock()

	return u.conn.transport.Write(b)
}

func (u *Upgrade) Close() error {
	return u.conn.destroy(nil)
}

func (u *Upgrade) RemoteAddr() net.Addr {
	return u.conn.transport.RemoteAddr()
}
