package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// SsrcCapture is the result of sniffing the transcoder's first RTP
// packet: the SSRC it stamps on its flow and the source address it
// sends from. The SFU needs the SSRC before a producer can be created
// for a non-comedia plain transport, and the source address to connect
// the transport back to the transcoder.
type SsrcCapture struct {
	SSRC   uint32
	Source *net.UDPAddr
}

// SsrcCapturer binds the reserved port, reads datagrams until a valid
// RTP header appears, then releases the port so the SFU can take it.
type SsrcCapturer struct {
	Timeout    time.Duration
	Quiescence time.Duration // wait after close so the OS frees the port
}

func NewSsrcCapturer(timeout time.Duration) *SsrcCapturer {
	if timeout == 0 {
		timeout = 8 * time.Second
	}
	return &SsrcCapturer{
		Timeout:    timeout,
		Quiescence: 100 * time.Millisecond,
	}
}

// Capture listens on port until the first RTP datagram arrives or the
// window expires. Non-RTP datagrams are discarded and the capturer
// keeps listening.
func (c *SsrcCapturer) Capture(ctx context.Context, port int) (*SsrcCapture, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind capture socket on %d: %w", port, err)
	}

	deadline := time.Now().Add(c.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetReadDeadline(deadline)

	// Unblock the read if the caller cancels mid-capture.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	buf := make([]byte, 2048)
	var result *SsrcCapture

	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, ErrSsrcTimeout
			}
			return nil, fmt.Errorf("read capture socket: %w", err)
		}

		ssrc, ok := parseRTPSsrc(buf[:n])
		if !ok {
			continue
		}

		result = &SsrcCapture{SSRC: ssrc, Source: src}
		break
	}

	conn.Close()

	// Let the OS release the port before the SFU rebinds it.
	select {
	case <-time.After(c.Quiescence):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return result, nil
}

// parseRTPSsrc validates the fixed RTP header and extracts the SSRC
// from bytes [8..12) big-endian. Version bits must be 2.
func parseRTPSsrc(pkt []byte) (uint32, bool) {
	if len(pkt) < 12 {
		return 0, false
	}
	if pkt[0]>>6 != 2 {
		return 0, false
	}
	ssrc := binary.BigEndian.Uint32(pkt[8:12])
	if ssrc == 0 {
		return 0, false
	}
	return ssrc, true
}
