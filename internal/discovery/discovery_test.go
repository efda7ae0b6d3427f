package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woozymasta/fluster/internal/models"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    models.Announcement
		wantErr bool
	}{
		{name: "json", in: `{"port":5000,"version":"version-abc"}`, want: models.Announcement{Port: 5000, Version: "version-abc"}},
		{name: "json with padding", in: " {\"port\":1,\"version\":\"v\"}\n", want: models.Announcement{Port: 1, Version: "v"}},
		{name: "legacy bare port", in: "58000", want: models.Announcement{Port: 58000}},
		{name: "unknown fields", in: `{"port":7,"version":"v","motd":"hi"}`, want: models.Announcement{Port: 7, Version: "v"}},
		{name: "empty", in: "", wantErr: true},
		{name: "garbage", in: "hello there", wantErr: true},
		{name: "zero port", in: `{"port":0,"version":"v"}`, wantErr: true},
		{name: "missing port", in: `{"version":"v"}`, wantErr: true},
		{name: "port overflow", in: `{"port":70000,"version":"v"}`, wantErr: true},
		{name: "negative port", in: "-1", wantErr: true},
		{name: "truncated json", in: `{"port":70`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := Encode(models.Announcement{Port: 1234, Version: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"port":1234,"version":"abc"}`, string(data))

	_, err = Encode(models.Announcement{Version: "abc"})
	assert.Error(t, err)
}

// unicastSink stands in for the multicast group on loopback.
func unicastSink(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServerAnnouncesUntilStopped(t *testing.T) {
	sink := unicastSink(t)
	interval := 50 * time.Millisecond

	started := time.Now()
	srv, err := StartServer(context.Background(), "v1", Options{Group: sink.LocalAddr().String(), Interval: interval})
	require.NoError(t, err)
	assert.NotZero(t, srv.Port())

	time.Sleep(4*interval + interval/2)
	srv.Stop()
	elapsed := time.Since(started)

	sent := srv.Sent()
	intervals := uint64(elapsed / interval)
	assert.GreaterOrEqual(t, sent, uint64(1))
	assert.LessOrEqual(t, sent, intervals+1)

	// everything sent before Stop arrives, nothing after
	received := uint64(0)
	buf := make([]byte, DefaultBufferSize)
	for {
		require.NoError(t, sink.SetReadDeadline(time.Now().Add(3*interval)))
		n, _, err := sink.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			require.True(t, errors.As(err, &ne) && ne.Timeout(), "unexpected error: %v", err)
			break
		}
		a, err := Decode(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, models.Announcement{Port: srv.Port(), Version: "v1"}, a)
		received++
	}
	assert.Equal(t, sent, received)
	assert.Equal(t, sent, srv.Sent())

	srv.Stop()
}

func TestServerRendezvousAndProbe(t *testing.T) {
	sink := unicastSink(t)
	srv, err := StartServer(context.Background(), "version-abc", Options{Group: sink.LocalAddr().String()})
	require.NoError(t, err)
	defer srv.Stop()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(srv.Port())))
	got, err := Probe(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, srv.Announcement(), got)

	srv.Stop()
	_, err = Probe(context.Background(), addr)
	assert.Error(t, err)
}

func TestServerStopsWithContext(t *testing.T) {
	sink := unicastSink(t)
	ctx, cancel := context.WithCancel(context.Background())

	srv, err := StartServer(ctx, "v1", Options{Group: sink.LocalAddr().String(), Interval: time.Hour})
	require.NoError(t, err)

	cancel()
	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
	// the immediate first announcement may or may not win the race with cancel
	assert.LessOrEqual(t, srv.Sent(), uint64(1))
}

func TestServerStopReleasesContextHook(t *testing.T) {
	sink := unicastSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := StartServer(ctx, "v1", Options{Group: sink.LocalAddr().String(), Interval: time.Hour})
	require.NoError(t, err)

	srv.Stop()
	// already unregistered by Stop
	assert.False(t, srv.detach())

	cancel()
	srv.Stop()
}

func startLoopbackClient(t *testing.T, opts Options) (*Client, net.Conn) {
	t.Helper()

	opts.Group = "127.0.0.1:0"
	c, err := StartDiscovery(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	sender, err := net.Dial("udp4", c.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })

	return c, sender
}

func nextEvent(t *testing.T, c *Client) models.DiscoveredPeer {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no discovery event")
	}
	return models.DiscoveredPeer{}
}

func TestClientSkipsMalformedDatagrams(t *testing.T) {
	c, sender := startLoopbackClient(t, Options{})

	for _, junk := range []string{"garbage", `{"port":0}`, "", `{"port":99999,"version":"x"}`} {
		_, err := sender.Write([]byte(junk))
		require.NoError(t, err)
	}
	_, err := sender.Write([]byte(`{"port":4242,"version":"abc"}`))
	require.NoError(t, err)

	ev := nextEvent(t, c)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:4242"), ev.Addr)
	assert.Equal(t, "abc", ev.Version)
	assert.Equal(t, "127.0.0.1", ev.Host())

	select {
	case extra := <-c.Events():
		t.Fatalf("unexpected event %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientRepeatsAreNotDeduplicated(t *testing.T) {
	c, sender := startLoopbackClient(t, Options{})

	for i := 0; i < 3; i++ {
		_, err := sender.Write([]byte(`{"port":4242,"version":"abc"}`))
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		assert.EqualValues(t, 4242, nextEvent(t, c).Addr.Port())
	}
}

func TestClientVersionFilter(t *testing.T) {
	c, sender := startLoopbackClient(t, Options{Versions: []string{"wanted"}})

	_, err := sender.Write([]byte(`{"port":1,"version":"other"}`))
	require.NoError(t, err)
	_, err = sender.Write([]byte(`{"port":2,"version":"wanted"}`))
	require.NoError(t, err)

	ev := nextEvent(t, c)
	assert.Equal(t, "wanted", ev.Version)
	assert.EqualValues(t, 2, ev.Addr.Port())
}

func TestClientDropsOldestWhenBacklogFull(t *testing.T) {
	c, sender := startLoopbackClient(t, Options{Backlog: 2})

	for port := 1; port <= 5; port++ {
		_, err := sender.Write([]byte(`{"port":` + strconv.Itoa(port) + `,"version":"v"}`))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return c.Dropped() == 3 }, 3*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 4, nextEvent(t, c).Addr.Port())
	assert.EqualValues(t, 5, nextEvent(t, c).Addr.Port())
}

func TestClientStopUnblocksReceive(t *testing.T) {
	c, err := StartDiscovery(context.Background(), Options{Group: "127.0.0.1:0"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a pending receive")
	}

	_, ok := <-c.Events()
	assert.False(t, ok)
	c.Stop()
}

func TestClientStopReleasesContextHook(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := StartDiscovery(ctx, Options{Group: "127.0.0.1:0"})
	require.NoError(t, err)

	c.Stop()
	assert.False(t, c.detach())

	_, ok := <-c.Events()
	assert.False(t, ok)
}

func TestMulticastEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("multicast test skipped in short mode")
	}

	interval := 200 * time.Millisecond
	client, err := StartDiscovery(context.Background(), Options{})
	if err != nil {
		t.Skipf("multicast listener unavailable: %v", err)
	}
	defer client.Stop()

	srv, err := StartServer(context.Background(), "abc", Options{Interval: interval})
	require.NoError(t, err)
	defer srv.Stop()

	deadline := time.After(interval + 2*time.Second)
	for {
		select {
		case ev := <-client.Events():
			if ev.Addr.Port() == srv.Port() && ev.Version == "abc" {
				return
			}
		case <-deadline:
			t.Skipf("no multicast loopback delivery on this host (sent %d)", srv.Sent())
		}
	}
}
