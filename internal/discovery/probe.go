package discovery

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/woozymasta/fluster/internal/models"
)

// probeTimeout applies when ctx carries no deadline.
const probeTimeout = 3 * time.Second

// Probe connects to a host's session port and reads its announcement.
func Probe(ctx context.Context, addr string) (models.Announcement, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return models.Announcement{}, err
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	line, err := bufio.NewReader(io.LimitReader(conn, DefaultBufferSize)).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return models.Announcement{}, err
	}

	return Decode(line)
}
