package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/internal/models"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

// Server announces one hosted session.
type Server struct {
	tcp          net.Listener
	udp          net.PacketConn
	cancel       context.CancelFunc
	logger       zerolog.Logger
	announcement models.Announcement
	wg           sync.WaitGroup
	stopOnce     sync.Once
	sent         atomic.Uint64
	// detach unregisters the shutdown hook from the start context.
	detach       func() bool
}

// StartServer reserves an OS-assigned TCP port for version and starts announcing it.
// Cancelling ctx has the same effect as Stop without waiting.
func StartServer(ctx context.Context, version string, opts Options) (*Server, error) {
	opts = opts.withDefaults()

	group, err := net.ResolveUDPAddr("udp4", opts.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve discovery group %q: %w", opts.Group, err)
	}

	tcp, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("bind session port: %w", err)
	}
	port := uint16(tcp.Addr().(*net.TCPAddr).Port)

	udp, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("bind announce socket: %w", err)
	}

	if group.IP.IsMulticast() {
		pc := ipv4.NewPacketConn(udp)
		if err := pc.SetMulticastTTL(opts.TTL); err != nil {
			_ = tcp.Close()
			_ = udp.Close()
			return nil, fmt.Errorf("set multicast ttl: %w", err)
		}
		if err := pc.SetMulticastLoopback(true); err != nil {
			log.Debug().Err(err).Msg("Multicast loopback unavailable")
		}
	}

	announcement := models.Announcement{Port: port, Version: version}
	payload, err := Encode(announcement)
	if err != nil {
		_ = tcp.Close()
		_ = udp.Close()
		return nil, err
	}

	// the loop must not inherit a deadline, only cancellation
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &Server{
		tcp:          tcp,
		udp:          udp,
		cancel:       cancel,
		announcement: announcement,
		logger: log.With().
			Str("component", "broadcaster").
			Str("version", version).
			Uint16("port", port).
			Logger(),
	}
	s.detach = context.AfterFunc(ctx, s.shutdown)

	s.wg.Add(2)
	go s.announce(loopCtx, group, payload, opts.Interval)
	go s.rendezvous(loopCtx, append(payload, '\n'))

	s.logger.Info().Str("group", group.String()).Dur("interval", opts.Interval).Msg("Announcing hosted session")

	return s, nil
}

// Port returns the reserved session port.
func (s *Server) Port() uint16 {
	return s.announcement.Port
}

// Announcement returns the payload being announced.
func (s *Server) Announcement() models.Announcement {
	return s.announcement
}

// Sent returns how many announcements were written so far.
func (s *Server) Sent() uint64 {
	return s.sent.Load()
}

// Stop ends announcing and blocks until both loops have exited.
// No announcement is sent after Stop returns. Safe to call more than once.
func (s *Server) Stop() {
	s.close()
	s.wg.Wait()
}

func (s *Server) close() {
	s.detach()
	s.shutdown()
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.tcp.Close()
		_ = s.udp.Close()
	})
}

// announce sends the payload immediately and then once per interval.
// A send failure ends the loop; announcing is not retried.
func (s *Server) announce(ctx context.Context, dst net.Addr, payload []byte, interval time.Duration) {
	defer s.wg.Done()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if _, err := s.udp.WriteTo(payload, dst); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("Announcement send failed, announcing stopped")
			}
			break
		}
		s.sent.Add(1)
		s.logger.Trace().Uint64("sent", s.sent.Load()).Msg("Announcement sent")
	}

	s.logger.Debug().Uint64("sent", s.sent.Load()).Msg("Announce loop finished")
}

// rendezvous answers every TCP connection with the announcement line, letting a
// joining machine confirm what is hosted before it launches the client.
func (s *Server) rendezvous(ctx context.Context, line []byte) {
	defer s.wg.Done()

	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug().Err(err).Msg("Rendezvous accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Write(line); err != nil {
			s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Rendezvous write failed")
		}
		_ = conn.Close()
	}
}
