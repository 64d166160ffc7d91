package measurement

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ICMPSampler sends one echo request per probe. It needs a raw socket, so
// the process must run with CAP_NET_RAW or as root.
type ICMPSampler struct {
	Timeout time.Duration
	id      int
	seq     atomic.Uint32
}

func NewICMPSampler(timeout time.Duration) *ICMPSampler {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &ICMPSampler{Timeout: timeout, id: rand.Intn(0xffff)}
}

func (s *ICMPSampler) Probe(ctx context.Context, target string) (float64, error) {
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	addr, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(addr) == 0 {
		if err == nil {
			err = fmt.Errorf("no address for %s", host)
		}
		return 0, newProbeError(target, err)
	}
	ip := addr[0].IP

	network, proto := "ip4:icmp", 1
	echoType, replyType := icmp.Type(ipv4.ICMPTypeEcho), icmp.Type(ipv4.ICMPTypeEchoReply)
	if ip.To4() == nil {
		network, proto = "ip6:ipv6-icmp", 58
		echoType, replyType = icmp.Type(ipv6.ICMPTypeEchoRequest), icmp.Type(ipv6.ICMPTypeEchoReply)
	}

	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		return 0, &ProbeError{Target: target, Kind: ProbeConnection, Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(s.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, &ProbeError{Target: target, Kind: ProbeConnection, Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	seq := int(uint16(s.seq.Add(1)))
	msg := icmp.Message{
		Type: echoType,
		Body: &icmp.Echo{ID: s.id, Seq: seq, Data: []byte("speedtestpro")},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, &ProbeError{Target: target, Kind: ProbeConnection, Err: err}
	}

	start := time.Now()
	if _, err := conn.WriteTo(payload, &net.IPAddr{IP: ip}); err != nil {
		return 0, newProbeError(target, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				err = errors.Join(ctx.Err(), err)
			}
			return 0, newProbeError(target, err)
		}
		if ipAddr, ok := peer.(*net.IPAddr); ok && ipAddr.IP != nil && !ipAddr.IP.Equal(ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil || parsed.Type != replyType {
			continue
		}
		if echo, ok := parsed.Body.(*icmp.Echo); ok && echo.ID == s.id && echo.Seq == seq {
			return elapsedMs(start), nil
		}
	}
}
