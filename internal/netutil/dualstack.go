// Package netutil implements the dual-stack TCP listener: one IPv4
// and one IPv6 socket sharing the same port, with IPV6_V6ONLY set on
// the IPv6 socket so the two coexist rather than one claiming both
// families.
package netutil

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// DualListener wraps up to two net.Listeners — one per address family
// — serving on the same port.
type DualListener struct {
	v4 net.Listener
	v6 net.Listener
}

// Listen opens IPv4 and IPv6 listeners on port. bindAddr is typically
// "::" (both families) or a specific literal address; an empty or
// wildcard address attempts both families and falls back to
// single-stack if one bind fails.
func Listen(ctx context.Context, bindAddr string, port int) (*DualListener, error) {
	lc := net.ListenConfig{Control: controlReuseAndV6Only}

	dl := &DualListener{}
	v4Err := bindErr(func() error {
		l, err := lc.Listen(ctx, "tcp4", net.JoinHostPort(v4BindAddr(bindAddr), strconv.Itoa(port)))
		if err != nil {
			return err
		}
		dl.v4 = l
		return nil
	})
	v6Err := bindErr(func() error {
		l, err := lc.Listen(ctx, "tcp6", net.JoinHostPort(v6BindAddr(bindAddr), strconv.Itoa(port)))
		if err != nil {
			return err
		}
		dl.v6 = l
		return nil
	})

	if dl.v4 == nil && dl.v6 == nil {
		return nil, fmt.Errorf("netutil: failed to bind either family: v4=%v v6=%v", v4Err, v6Err)
	}
	return dl, nil
}

func bindErr(f func() error) error { return f() }

func v4BindAddr(bind string) string {
	if bind == "" || bind == "::" || bind == "*" {
		return "0.0.0.0"
	}
	return bind
}

func v6BindAddr(bind string) string {
	if bind == "" || bind == "0.0.0.0" || bind == "*" {
		return "::"
	}
	return bind
}

func controlReuseAndV6Only(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			ctrlErr = err
			return
		}
		if network == "tcp6" {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
				ctrlErr = err
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Serve accepts on every bound listener concurrently, handing each
// connection to handle in its own goroutine so sessions never
// serialize. Returns when ctx is cancelled or as soon as either
// listener's accept loop errors out, which closes both listeners.
func (dl *DualListener) Serve(ctx context.Context, handle func(net.Conn)) error {
	g, gctx := errgroup.WithContext(ctx)
	if dl.v4 != nil {
		g.Go(func() error { return acceptLoop(gctx, dl.v4, handle) })
	}
	if dl.v6 != nil {
		g.Go(func() error { return acceptLoop(gctx, dl.v6, handle) })
	}
	go func() {
		<-gctx.Done()
		dl.Close()
	}()
	return g.Wait()
}

func acceptLoop(ctx context.Context, l net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handle(conn)
	}
}

func (dl *DualListener) Close() {
	if dl.v4 != nil {
		dl.v4.Close()
	}
	if dl.v6 != nil {
		dl.v6.Close()
	}
}
