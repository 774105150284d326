package netmon

import (
	"bytes"
	"fmt"
	"net"
)

// Handshake tokens exchanged on a fresh worker connection. Both travel as
// NUL-terminated ASCII strings; a worker that sends anything but TokenReady
// is rejected.
const (
	TokenReady = "ready_to_monitor"
	TokenBegin = "start_monitoring"
)

// writeToken sends tok with a trailing NUL, the framing the monitors expect.
func writeToken(conn net.Conn, tok string) error {
	if _, err := conn.Write(append([]byte(tok), 0)); err != nil {
		return fmt.Errorf("write %q: %w", tok, err)
	}
	return nil
}

// trimToken strips NUL terminators from a raw read. Some peers send the bare
// token without the terminator, so both forms compare equal.
func trimToken(buf []byte) string {
	return string(bytes.TrimRight(buf, "\x00"))
}
