package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultNetworkPort is the UDP+TCP port a node listens on unless
// overridden (§4.8).
const DefaultNetworkPort = 35653

// Transport is the UDP+TCP socket layer under the Shard/Session/Handler
// logic: UDP carries ordinary packets prefixed with a one-byte port
// (255 reserved for Introduce); a Packet that doesn't fit in one UDP
// datagram is instead sent over a short-lived TCP connection framed as
// `u32 little-endian length ∥ payload`.
type Transport struct {
	udp *net.UDPConn
	tcp *net.TCPListener

	client  *NetworkClient
	handler *Handler

	log *logrus.Logger

	closeOnce sync.Once
	quit      chan struct{}
}

func NewTransport(listenAddr string, client *NetworkClient, handler *Handler, log *logrus.Logger) (*Transport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp addr: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", listenAddr)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("transport: resolve tcp addr: %w", err)
	}
	tcp, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("transport: listen tcp: %w", err)
	}
	return &Transport{udp: udp, tcp: tcp, client: client, handler: handler, log: log, quit: make(chan struct{})}, nil
}

// Start runs the UDP and TCP read loops until Close is called.
func (t *Transport) Start() {
	go t.readUDPLoop()
	go t.acceptTCPLoop()
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.quit)
		err = firstErr(t.udp.Close(), t.tcp.Close())
	})
	return err
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func (t *Transport) readUDPLoop() {
	buf := make([]byte, MaxPacketSize+1)
	for {
		n, remote, err := t.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
				t.log.Warnf("transport: udp read: %v", err)
				continue
			}
		}
		if n < 1 {
			continue
		}
		port := buf[0]
		pkt, err := DecodePacket(Blob(buf[1:n]))
		if err != nil {
			t.log.Debugf("transport: decode udp packet from %s: %v", remote, err)
			continue
		}
		t.dispatch(remote.String(), port, *pkt)
	}
}

func (t *Transport) acceptTCPLoop() {
	for {
		conn, err := t.tcp.Accept()
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
				t.log.Warnf("transport: tcp accept: %v", err)
				continue
			}
		}
		go t.handleTCPConn(conn)
	}
}

func (t *Transport) handleTCPConn(conn net.Conn) {
	defer conn.Close()
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return
	}
	pkt, err := DecodePacket(Blob(payload))
	if err != nil {
		t.log.Debugf("transport: decode tcp packet from %s: %v", conn.RemoteAddr(), err)
		return
	}
	port, ok := t.portForHost(hostOf(conn.RemoteAddr().String()))
	if !ok {
		return
	}
	t.dispatch(conn.RemoteAddr().String(), port, *pkt)
}

// portForHost recovers the demux port an already-open session was
// assigned, matching by host only: a TCP dial's ephemeral source port
// never matches the peer's original UDP session address.
func (t *Transport) portForHost(host string) (uint8, bool) {
	for _, sh := range t.client.Shards() {
		for addr := range shardSessionAddrs(sh) {
			if hostOf(addr) == host {
				return sh.Port(), true
			}
		}
	}
	return 0, false
}

func shardSessionAddrs(sh *Shard) map[string]struct{} {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make(map[string]struct{}, len(sh.sessions))
	for addr := range sh.sessions {
		out[addr] = struct{}{}
	}
	return out
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (t *Transport) dispatch(remoteAddr string, port uint8, pkt Packet) {
	sh := t.resolveShard(port, pkt)
	if sh == nil {
		return
	}
	session := sh.Open(remoteAddr)
	replies := t.handler.Handle(sh, session, sh.networkID, pkt)
	for _, r := range replies {
		if err := t.Send(remoteAddr, sh.Port(), r); err != nil {
			t.log.Debugf("transport: send reply to %s: %v", remoteAddr, err)
		}
	}
}

func (t *Transport) resolveShard(port uint8, pkt Packet) *Shard {
	if port == reservedPort {
		sh, _ := t.client.Shard(pkt.Msg.NetworkID)
		return sh
	}
	for _, sh := range t.client.Shards() {
		if sh.Port() == port {
			return sh
		}
	}
	return nil
}

// Send transmits pkt to remoteAddr, choosing UDP (port-prefixed) or a
// one-shot TCP connection depending on the encoded size.
func (t *Transport) Send(remoteAddr string, port uint8, pkt Packet) error {
	enc, err := pkt.Encode()
	if err != nil {
		return err
	}
	if len(enc) <= MaxPacketSize {
		return t.sendUDP(remoteAddr, port, enc)
	}
	return t.sendTCP(remoteAddr, enc)
}

func (t *Transport) sendUDP(remoteAddr string, port uint8, payload Blob) error {
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return err
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = port
	copy(buf[1:], payload)
	_, err = t.udp.WriteToUDP(buf, addr)
	return err
}

func (t *Transport) sendTCP(remoteAddr string, payload Blob) error {
	conn, err := net.Dial("tcp", remoteAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

// SendBroadcast delivers pkt to every active session of sh over UDP.
func (t *Transport) SendBroadcast(sh *Shard, pkt Packet) {
	for _, s := range sh.ActiveSessions() {
		if err := t.Send(s.RemoteAddr(), sh.Port(), pkt); err != nil {
			t.log.Debugf("transport: broadcast to %s: %v", s.RemoteAddr(), err)
		}
	}
}

// DrainSessions flushes every session's outbound queue over this
// transport; called on a short tick by the node's main loop.
func (t *Transport) DrainSessions() {
	for _, sh := range t.client.Shards() {
		for _, s := range sh.ActiveSessions() {
			for _, pkt := range s.Drain() {
				if err := t.Send(s.RemoteAddr(), sh.Port(), pkt); err != nil {
					t.log.Debugf("transport: drain to %s: %v", s.RemoteAddr(), err)
					continue
				}
			}
		}
	}
}
