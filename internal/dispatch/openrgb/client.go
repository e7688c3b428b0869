// Package openrgb implements the small slice of the OpenRGB SDK network
// protocol the agent needs: identifying itself, listing profiles, and
// loading a profile by name.
package openrgb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	headerMagic = "ORGB"
	headerSize  = 16

	packetRequestProtocolVersion = 40
	packetSetClientName          = 50
	packetRequestProfileList     = 150
	packetRequestLoadProfile     = 152

	// Highest protocol revision this client understands.
	clientProtocolVersion = 3

	// Profiles appeared in protocol revision 2.
	profileMinVersion = 2
)

// ErrProfilesUnsupported is returned when the daemon speaks a protocol
// revision too old to expose profiles.
var ErrProfilesUnsupported = errors.New("daemon protocol has no profile support")

// Client is a connection to an OpenRGB-compatible daemon's SDK port.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	version uint32
}

// Dial connects to the daemon, negotiates the protocol revision, and
// registers clientName so the connection is identifiable in the daemon UI.
func Dial(ctx context.Context, addr, clientName string, connectTimeout, ioTimeout time.Duration) (*Client, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{conn: conn, timeout: ioTimeout}

	if err := c.negotiate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("negotiate protocol: %w", err)
	}
	if err := c.setName(clientName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set client name: %w", err)
	}
	return c, nil
}

// Version returns the negotiated protocol revision.
func (c *Client) Version() uint32 {
	return c.version
}

// Profiles returns the names of the profiles known to the daemon.
func (c *Client) Profiles() ([]string, error) {
	if c.version < profileMinVersion {
		return nil, ErrProfilesUnsupported
	}
	if err := c.writePacket(packetRequestProfileList, nil); err != nil {
		return nil, err
	}
	payload, err := c.readPacket(packetRequestProfileList)
	if err != nil {
		return nil, err
	}
	return parseProfileList(payload)
}

// LoadProfile asks the daemon to load the named profile. The daemon sends
// no acknowledgement; a completed write is the success signal.
func (c *Client) LoadProfile(name string) error {
	return c.writePacket(packetRequestLoadProfile, append([]byte(name), 0))
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) negotiate() error {
	var ours [4]byte
	binary.LittleEndian.PutUint32(ours[:], clientProtocolVersion)
	if err := c.writePacket(packetRequestProtocolVersion, ours[:]); err != nil {
		return err
	}

	payload, err := c.readPacket(packetRequestProtocolVersion)
	if err != nil {
		return err
	}
	if len(payload) < 4 {
		return fmt.Errorf("short version reply: %d bytes", len(payload))
	}

	theirs := binary.LittleEndian.Uint32(payload)
	c.version = min(theirs, clientProtocolVersion)
	return nil
}

func (c *Client) setName(name string) error {
	return c.writePacket(packetSetClientName, append([]byte(name), 0))
}

func (c *Client) writePacket(id uint32, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}

	buf := make([]byte, headerSize+len(payload))
	copy(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], 0) // device index
	binary.LittleEndian.PutUint32(buf[8:12], id)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	_, err := c.conn.Write(buf)
	return err
}

// readPacket reads packets until one with the wanted id arrives, skipping
// unsolicited notifications such as device-list updates.
func (c *Client) readPacket(wantID uint32) ([]byte, error) {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}

		var header [headerSize]byte
		if _, err := io.ReadFull(c.conn, header[:]); err != nil {
			return nil, err
		}
		if string(header[0:4]) != headerMagic {
			return nil, fmt.Errorf("bad packet magic %q", header[0:4])
		}

		id := binary.LittleEndian.Uint32(header[8:12])
		size := binary.LittleEndian.Uint32(header[12:16])

		payload := make([]byte, size)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return nil, err
		}

		if id == wantID {
			return payload, nil
		}
	}
}

// parseProfileList decodes the profile list payload: a u32 total size, a
// u16 profile count, then per profile a u16 length (including the trailing
// NUL) and the name bytes.
func parseProfileList(payload []byte) ([]string, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("short profile list: %d bytes", len(payload))
	}

	count := binary.LittleEndian.Uint16(payload[4:6])
	offset := 6

	profiles := make([]string, 0, count)
	for i := 0; i < int(count); i++ {
		if offset+2 > len(payload) {
			return nil, fmt.Errorf("truncated profile list at entry %d", i)
		}
		nameLen := int(binary.LittleEndian.Uint16(payload[offset : offset+2]))
		offset += 2

		if offset+nameLen > len(payload) {
			return nil, fmt.Errorf("truncated profile name at entry %d", i)
		}
		name := payload[offset : offset+nameLen]
		offset += nameLen

		// Strip the trailing NUL.
		if n := len(name); n > 0 && name[n-1] == 0 {
			name = name[:n-1]
		}
		profiles = append(profiles, string(name))
	}

	return profiles, nil
}
