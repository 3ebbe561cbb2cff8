package server

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var echoPayload = []byte("netspeed-echo")

// ICMPProbe answers /ping with the ICMP echo round-trip time to the
// requesting client, in milliseconds. It needs a raw socket, usually root or
// CAP_NET_RAW; without one it fails with ErrPrivilege.
type ICMPProbe struct {
	Timeout time.Duration

	listen func(network, address string) (packetConn, error)
}

// packetConn is the part of *icmp.PacketConn a probe uses.
type packetConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	SetDeadline(t time.Time) error
	Close() error
}

func listenICMP(network, address string) (packetConn, error) {
	conn, err := icmp.ListenPacket(network, address)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

type echoFamily struct {
	network  string
	address  string
	request  icmp.Type
	reply    icmp.Type
	protocol int
}

func familyFor(ip net.IP) echoFamily {
	if ip.To4() != nil {
		return echoFamily{
			network:  "ip4:icmp",
			address:  "0.0.0.0",
			request:  ipv4.ICMPTypeEcho,
			reply:    ipv4.ICMPTypeEchoReply,
			protocol: ipv4.ICMPTypeEcho.Protocol(),
		}
	}

	return echoFamily{
		network:  "ip6:ipv6-icmp",
		address:  "::",
		request:  ipv6.ICMPTypeEchoRequest,
		reply:    ipv6.ICMPTypeEchoReply,
		protocol: ipv6.ICMPTypeEchoRequest.Protocol(),
	}
}

func isPermissionError(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (p *ICMPProbe) Respond(ctx context.Context, r *http.Request) (string, error) {
	ip, err := clientIP(r)
	if err != nil {
		return "", err
	}

	rtt, err := p.Ping(ctx, ip)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%.3f", float64(rtt.Microseconds())/1000), nil
}

// Ping sends one echo request to ip and waits for the matching reply.
func (p *ICMPProbe) Ping(ctx context.Context, ip net.IP) (time.Duration, error) {
	family := familyFor(ip)

	listen := p.listen
	if listen == nil {
		listen = listenICMP
	}

	conn, err := listen(family.network, family.address)
	if err != nil {
		if isPermissionError(err) {
			return 0, errors.Wrap(ErrPrivilege, err.Error())
		}
		return 0, errors.Wrap(err, "could not open ICMP socket")
	}
	defer conn.Close()

	id := os.Getpid() & 0xffff
	seq := rand.IntN(0x10000)

	request, err := (&icmp.Message{
		Type: family.request,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: echoPayload},
	}).Marshal(nil)
	if err != nil {
		return 0, errors.Wrap(err, "could not marshal echo request")
	}

	deadline := time.Now().Add(p.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, errors.Wrap(err, "could not set ICMP deadline")
	}
	// unblock the read below when the client goes away
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	start := time.Now()
	if _, err := conn.WriteTo(request, &net.IPAddr{IP: ip}); err != nil {
		if isPermissionError(err) {
			return 0, errors.Wrap(ErrPrivilege, err.Error())
		}
		return 0, errors.Wrap(err, "could not send echo request")
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if isTimeoutError(err) {
				return 0, errors.Wrapf(ErrProbeTimeout, "no echo reply from %s within %v", ip, p.Timeout)
			}
			return 0, errors.Wrap(err, "could not read echo reply")
		}
		elapsed := time.Since(start)

		if !matchesEcho(buf[:n], family, id, seq) {
			continue
		}
		if peerAddr, ok := peer.(*net.IPAddr); ok && !peerAddr.IP.Equal(ip) {
			continue
		}

		return elapsed, nil
	}
}

func matchesEcho(packet []byte, family echoFamily, id, seq int) bool {
	reply, err := icmp.ParseMessage(family.protocol, packet)
	if err != nil || reply.Type != family.reply {
		return false
	}

	echo, ok := reply.Body.(*icmp.Echo)
	return ok && echo.ID == id && echo.Seq == seq
}
