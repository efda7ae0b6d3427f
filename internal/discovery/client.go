package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/models"
	"golang.org/x/net/ipv4"
)

// ErrNoMulticastInterface is returned when the group could not be joined on any interface.
var ErrNoMulticastInterface = errors.New("no multicast interfaces available")

// Client listens for announcements.
type Client struct {
	conn     net.PacketConn
	events   chan models.DiscoveredPeer
	cancel   context.CancelFunc
	done     chan struct{}
	filter   map[uint64]struct{}
	logger   zerolog.Logger
	bufSize  int
	stopOnce sync.Once
	dropped  atomic.Uint64
	// detach unregisters the shutdown hook from the start context.
	detach   func() bool
}

// StartDiscovery joins the discovery group and starts receiving announcements.
// Cancelling ctx has the same effect as Stop without waiting.
func StartDiscovery(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	group, err := net.ResolveUDPAddr("udp4", opts.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve discovery group %q: %w", opts.Group, err)
	}

	var conn net.PacketConn
	if group.IP.IsMulticast() {
		lc := net.ListenConfig{Control: reuseControl}
		conn, err = lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(group.Port)))
		if err != nil {
			return nil, fmt.Errorf("bind discovery port: %w", err)
		}
		if err := joinGroup(conn, group); err != nil {
			_ = conn.Close()
			return nil, err
		}
	} else {
		conn, err = net.ListenPacket("udp4", group.String())
		if err != nil {
			return nil, fmt.Errorf("bind discovery address: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c := &Client{
		conn:    conn,
		events:  make(chan models.DiscoveredPeer, opts.Backlog),
		cancel:  cancel,
		done:    make(chan struct{}),
		bufSize: opts.BufferSize,
		logger: log.With().
			Str("component", "listener").
			Str("group", group.String()).
			Logger(),
	}

	if len(opts.Versions) > 0 {
		c.filter = make(map[uint64]struct{}, len(opts.Versions))
		for _, v := range opts.Versions {
			c.filter[xxhash.Sum64String(v)] = struct{}{}
		}
	}

	c.detach = context.AfterFunc(ctx, c.shutdown)
	go c.receive(loopCtx)

	c.logger.Info().Str("local", conn.LocalAddr().String()).Msg("Listening for hosted sessions")

	return c, nil
}

// Events streams discovered peers in arrival order. It is closed after Stop.
// When the consumer lags behind the backlog, the oldest events are dropped.
func (c *Client) Events() <-chan models.DiscoveredPeer {
	return c.events
}

// Addr returns the local address of the listening socket.
func (c *Client) Addr() net.Addr {
	return c.conn.LocalAddr()
}

// Dropped returns how many events were discarded because the backlog was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Stop closes the socket, which unblocks the pending receive, and waits for the loop.
func (c *Client) Stop() {
	c.close()
	<-c.done
}

func (c *Client) close() {
	c.detach()
	c.shutdown()
}

func (c *Client) shutdown() {
	c.stopOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Client) receive(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	buf := make([]byte, c.bufSize)
	for {
		if ctx.Err() != nil {
			return
		}

		n, src, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug().Err(err).Msg("Receive failed, discovery stopped")
			}
			return
		}

		announcement, err := Decode(buf[:n])
		if err != nil {
			c.logger.Trace().Err(err).Str("src", src.String()).Msg("Dropped datagram")
			continue
		}
		if !c.accept(announcement.Version) {
			continue
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(udpSrc.IP)
		if !ok {
			continue
		}

		c.publish(models.DiscoveredPeer{
			Addr:         netip.AddrPortFrom(ip.Unmap(), announcement.Port),
			Announcement: announcement,
		})
	}
}

func (c *Client) accept(version string) bool {
	if c.filter == nil {
		return true
	}

	_, ok := c.filter[xxhash.Sum64String(version)]
	return ok
}

// publish never blocks: a full backlog loses its oldest event.
func (c *Client) publish(peer models.DiscoveredPeer) {
	select {
	case c.events <- peer:
		return
	default:
	}

	select {
	case <-c.events:
		c.dropped.Add(1)
	default:
	}

	select {
	case c.events <- peer:
	default:
		c.dropped.Add(1)
	}
}

// joinGroup joins the group on every up, multicast-capable interface.
func joinGroup(conn net.PacketConn, group *net.UDPAddr) error {
	intfs, err := net.Interfaces()
	if err != nil {
		return err
	}

	pc := ipv4.NewPacketConn(conn)
	joined := 0
	for i := range intfs {
		intf := &intfs[i]
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}

		if err := pc.JoinGroup(intf, &net.UDPAddr{IP: group.IP}); err != nil {
			log.Debug().Err(err).Str("interface", intf.Name).Msg("Multicast join failed")
			continue
		}
		log.Trace().Str("interface", intf.Name).Msg("Multicast join success")
		joined++
	}

	if joined == 0 {
		return ErrNoMulticastInterface
	}

	return nil
}
