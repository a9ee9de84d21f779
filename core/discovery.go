package core

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// Discovery is an auxiliary LAN peer-finding feed into the node
// repository: it proposes fresh NodeAnnouncements via libp2p mDNS and
// gossipsub presence, and attempts NAT-PMP/UPnP port mapping so those
// announcements are externally reachable. It never replaces the custom
// UDP/TCP session protocol (session.go/shard.go) — this is discovery
// only, the Introduce handshake of §4.7 is still how a session actually
// opens.
type Discovery struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic

	repo *NodeRepository
	log  *logrus.Logger

	cancel context.CancelFunc
}

const discoveryTopic = "plotchain/node-presence/1"

// NewDiscovery starts a libp2p host on listenAddr, joins the node-presence
// gossipsub topic, and registers an mDNS notifee that feeds discovered
// peers into repo.
func NewDiscovery(ctx context.Context, listenAddr string, repo *NodeRepository, log *logrus.Logger) (*Discovery, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("discovery: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("discovery: create pubsub: %w", err)
	}
	topic, err := ps.Join(discoveryTopic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("discovery: join topic: %w", err)
	}

	d := &Discovery{host: h, pubsub: ps, topic: topic, repo: repo, log: log, cancel: cancel}

	if _, err := mdns.NewMdnsService(h, "plotchain-mdns", d); err != nil {
		log.Warnf("discovery: mDNS unavailable: %v", err)
	}

	if err := d.tryPortMapping(); err != nil {
		log.Warnf("discovery: NAT mapping unavailable: %v", err)
	}

	go d.readLoop(ctx)

	return d, nil
}

// HandlePeerFound implements mdns.Notifee: a freshly discovered LAN peer is
// proposed to the node repository under a synthetic KeyHash (mDNS carries
// no validator identity, only a libp2p peer.ID).
func (d *Discovery) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == d.host.ID() {
		return
	}
	if err := d.host.Connect(context.Background(), info); err != nil {
		d.log.Debugf("discovery: connect to mDNS peer %s: %v", info.ID, err)
		return
	}
	id := KeyHashOf(Blob(info.ID))
	d.repo.Apply(NodeRecord{ID: id, Endpoint: info.String(), Name: info.ID.String()})
}

// readLoop drains gossipsub presence announcements and feeds them into the
// node repository the same way mDNS discoveries are.
func (d *Discovery) readLoop(ctx context.Context) {
	sub, err := d.topic.Subscribe()
	if err != nil {
		d.log.Warnf("discovery: subscribe: %v", err)
		return
	}
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == d.host.ID() {
			continue
		}
		id := KeyHashOf(Blob(msg.ReceivedFrom))
		d.repo.Apply(NodeRecord{ID: id, Endpoint: string(msg.Data), Name: msg.ReceivedFrom.String()})
	}
}

// Announce publishes this node's own endpoint to the presence topic.
func (d *Discovery) Announce(endpoint string) error {
	return d.topic.Publish(context.Background(), []byte(endpoint))
}

// tryPortMapping attempts NAT-PMP first, falling back to UPnP, for
// external reachability on the LAN's gateway.
func (d *Discovery) tryPortMapping() error {
	if err := tryNATPMP(); err == nil {
		return nil
	}
	return tryUPnP()
}

func tryNATPMP() error {
	gw, err := guessGateway()
	if err != nil {
		return err
	}
	client := natpmp.NewClient(gw)
	_, err = client.GetExternalAddress()
	return err
}

func tryUPnP() error {
	_, err := goupnp.DiscoverDevices("urn:schemas-upnp-org:device:InternetGatewayDevice:1")
	return err
}

// guessGateway assumes the conventional .1 host on this machine's
// outbound-route subnet is the LAN gateway, avoiding a dependency on a
// routing-table introspection library for what is an auxiliary discovery
// feed, not the session transport itself.
func guessGateway() (net.IP, error) {
	conn, err := net.DialTimeout("udp", "8.8.8.8:80", discoveryDialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("discovery: unexpected local addr type")
	}
	ip4 := local.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("discovery: no IPv4 route")
	}
	gw := make(net.IP, len(ip4))
	copy(gw, ip4)
	gw[3] = 1
	return gw, nil
}

func (d *Discovery) Close() error {
	d.cancel()
	return d.host.Close()
}

const discoveryDialTimeout = 5 * time.Second
