// Package overlay is the libp2p peer directory and direct messaging layer.
// The DHT only maps peer ids to PeerInfo records; messages travel over
// direct streams.
package overlay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/baderanaas/unada/pkg/metrics"
	"github.com/baderanaas/unada/pkg/peers"
	"github.com/baderanaas/unada/pkg/wire"
	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is the overlay membership state.
type Status int

const (
	StatusOK Status = iota
	StatusConnecting
	StatusError
	StatusInitial
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConnecting:
		return "connecting"
	case StatusError:
		return "error"
	case StatusInitial:
		return "initial"
	default:
		return "unknown"
	}
}

const (
	DefaultSendTimeout     = 5 * time.Second
	DefaultRecordTTL       = 4 * time.Hour
	DefaultRefreshInterval = 30 * time.Minute
	DefaultInboundWorkers  = 32
)

// Options configures a Node.
type Options struct {
	DataDir    string
	ListenHost string
	Port       int
	Latitude   float64
	Longitude  float64

	SendTimeout     time.Duration
	RecordTTL       time.Duration
	RefreshInterval time.Duration
	// StaleAfter evicts neighbors not heard from for this long.
	StaleAfter     time.Duration
	InboundWorkers int
	MDNS           bool
	// NAT enables port mapping and hole punching.
	NAT   bool
	Clock clock.Clock
}

func (o *Options) setDefaults() {
	if o.ListenHost == "" {
		o.ListenHost = "0.0.0.0"
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.RecordTTL <= 0 {
		o.RecordTTL = DefaultRecordTTL
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = o.RecordTTL
	}
	if o.InboundWorkers <= 0 {
		o.InboundWorkers = DefaultInboundWorkers
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Node is one overlay member. It implements wire.Transport.
type Node struct {
	*wire.Mux

	host    host.Host
	dht     *dht.IpfsDHT
	pubsub  *pubsub.PubSub
	mdns    mdns.Service
	table   *peers.Table
	cache   *PeerCache
	opts    Options
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	inbound *errgroup.Group

	status   Status
	statusMu sync.RWMutex

	presence   *pubsub.Topic
	startOnce  sync.Once
	background sync.WaitGroup
}

// NewNode creates the libp2p host, DHT and gossip router. The node is not
// part of any overlay until Create or Join succeeds.
func NewNode(opts Options, logger *zap.Logger) (*Node, error) {
	opts.setDefaults()
	logger = logger.Named("overlay")
	ctx, cancel := context.WithCancel(context.Background())

	dataDir, err := getDataDir(opts.DataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get data directory: %w", err)
	}
	opts.DataDir = dataDir

	privKey, err := LoadIdentity(dataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load or generate identity: %w", err)
	}

	cm, err := connmgr.NewConnManager(50, 200, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, err
	}

	var idht *dht.IpfsDHT
	hostOpts := []libp2p.Option{
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/%s/tcp/%d", opts.ListenHost, opts.Port),
			fmt.Sprintf("/ip4/%s/udp/%d/quic-v1", opts.ListenHost, opts.Port),
		),
		libp2p.Identity(privKey),
		libp2p.ConnectionManager(cm),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			idht, err = dht.New(ctx, h,
				dht.Mode(dht.ModeServer),
				dht.ProtocolPrefix(DHTPrefix),
				dht.NamespacedValidator(RecordNamespace, recordValidator{}),
				dht.MaxRecordAge(opts.RecordTTL),
			)
			return idht, err
		}),
	}
	if opts.NAT {
		hostOpts = append(hostOpts, libp2p.NATPortMap(), libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		return nil, multierr.Append(fmt.Errorf("failed to create pubsub: %w", err), h.Close())
	}

	cache, err := NewPeerCache(peerCachePath(dataDir))
	if err != nil {
		logger.Warn("ignoring unreadable peer cache", zap.Error(err))
		cache = &PeerCache{filePath: peerCachePath(dataDir)}
	}

	inbound := &errgroup.Group{}
	inbound.SetLimit(opts.InboundWorkers)

	n := &Node{
		Mux:     wire.NewMux(),
		host:    h,
		dht:     idht,
		pubsub:  ps,
		table:   peers.NewTable(h.ID().String(), opts.Clock),
		cache:   cache,
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		inbound: inbound,
		status:  StatusInitial,
	}
	metrics.OverlayStatus.Set(float64(StatusInitial))
	h.SetStreamHandler(MessageProtocol, n.handleStream)

	for _, addr := range h.Addrs() {
		logger.Info("listening", zap.String("addr", fmt.Sprintf("%s/p2p/%s", addr, h.ID())))
	}
	return n, nil
}

// ID returns the stable peer identifier.
func (n *Node) ID() string {
	return n.host.ID().String()
}

// DataDir returns the resolved data directory.
func (n *Node) DataDir() string {
	return n.opts.DataDir
}

// Table returns the neighbor table fed by inbound traffic and presence.
func (n *Node) Table() *peers.Table {
	return n.table
}

// Self returns this node's PeerInfo as carried in envelopes and published
// in the directory.
func (n *Node) Self() wire.PeerInfo {
	info := wire.PeerInfo{
		ID:        n.ID(),
		Latitude:  n.opts.Latitude,
		Longitude: n.opts.Longitude,
		Timestamp: n.opts.Clock.Now().UTC(),
	}
	for _, addr := range n.host.Addrs() {
		info.Addrs = append(info.Addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
		if ip, err := addr.ValueForProtocol(multiaddr.P_IP4); err == nil && (info.Address == "" || isLoopback(info.Address)) {
			info.Address = ip
		}
		if port, err := addr.ValueForProtocol(multiaddr.P_TCP); err == nil && info.TCPPort == 0 {
			info.TCPPort, _ = strconv.Atoi(port)
		}
		if port, err := addr.ValueForProtocol(multiaddr.P_UDP); err == nil && info.UDPPort == 0 {
			info.UDPPort, _ = strconv.Atoi(port)
		}
	}
	return info.Unconfirmed()
}

// Status returns the overlay membership state.
func (n *Node) Status() Status {
	n.statusMu.RLock()
	defer n.statusMu.RUnlock()
	return n.status
}

func (n *Node) setStatus(s Status) {
	n.statusMu.Lock()
	n.status = s
	n.statusMu.Unlock()
	metrics.OverlayStatus.Set(float64(s))
	n.logger.Info("overlay status", zap.Stringer("status", s))
}

// Connected returns the number of open peer connections.
func (n *Node) Connected() int {
	return len(n.host.Network().Peers())
}

// Close stops background work, saves the peer cache and shuts the host down.
func (n *Node) Close() error {
	n.cancel()
	var err error
	if n.mdns != nil {
		err = multierr.Append(err, n.mdns.Close())
	}
	n.background.Wait()
	err = multierr.Append(err, n.inbound.Wait())
	err = multierr.Append(err, n.savePeerCache())
	err = multierr.Append(err, n.dht.Close())
	err = multierr.Append(err, n.host.Close())
	return err
}
