package clock

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970

// SNTPSource is the production TimeSource: a minimal SNTP client per
// RFC 4330, cycling through a list of servers. One dial+exchange per
// Sample call, bounded by a per-attempt timeout.
type SNTPSource struct {
	Servers []string
	Timeout time.Duration

	next int
}

// DefaultServers mirrors common public SNTP pools.
var DefaultServers = []string{
	"time.cloudflare.com:123",
	"pool.ntp.org:123",
}

func NewSNTPSource(servers []string) *SNTPSource {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	return &SNTPSource{Servers: servers, Timeout: 2 * time.Second}
}

func (s *SNTPSource) Sample(ctx context.Context) (Sample, error) {
	if len(s.Servers) == 0 {
		return Sample{}, fmt.Errorf("clock: no SNTP servers configured")
	}
	addr := s.Servers[s.next%len(s.Servers)]
	s.next++

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return Sample{}, fmt.Errorf("clock: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	req := make([]byte, 48)
	req[0] = 0x1B // LI=0, VN=3, Mode=3 (client)

	clientSendLocal := time.Now()
	if _, err := conn.Write(req); err != nil {
		return Sample{}, fmt.Errorf("clock: write to %s: %w", addr, err)
	}

	resp := make([]byte, 48)
	if _, err := conn.Read(resp); err != nil {
		return Sample{}, fmt.Errorf("clock: read from %s: %w", addr, err)
	}
	clientRecvLocal := time.Now()

	serverRecv := ntpToTime(resp[32:40])
	serverSend := ntpToTime(resp[40:48])

	rtt := clientRecvLocal.Sub(clientSendLocal)
	// Standard SNTP offset formula:
	// offset = ((serverRecv - clientSend) + (serverSend - clientRecv)) / 2
	offset := (serverRecv.Sub(clientSendLocal) + serverSend.Sub(clientRecvLocal)) / 2

	return Sample{OffsetMs: offset.Milliseconds(), RTTMs: rtt.Milliseconds()}, nil
}

func ntpToTime(b []byte) time.Time {
	seconds := binary.BigEndian.Uint32(b[0:4])
	fraction := binary.BigEndian.Uint32(b[4:8])
	secs := int64(seconds) - ntpEpochOffset
	nanos := (int64(fraction) * 1e9) >> 32
	return time.Unix(secs, nanos).UTC()
}
