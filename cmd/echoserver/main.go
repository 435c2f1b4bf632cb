//go:build linux

// Command echoserver is a demonstration TCP echo server written against
// the dpoll POSIX surface. It runs over the in-process loopback engine and
// drives itself with a small fleet of built-in clients, so the full
// accept/read/write/epoll path is exercised end to end in one binary.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll"
	"github.com/fastpath/dpoll/internal/engine"
	"github.com/fastpath/dpoll/internal/engine/loopback"
	"github.com/fastpath/dpoll/internal/metrics"
)

type config struct {
	port        int
	clients     int
	messages    int
	metricsAddr string
}

func configFromEnv() config {
	cfg := config{
		port:        9000,
		clients:     4,
		messages:    8,
		metricsAddr: "",
	}
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.port = n
		}
	}
	if v := os.Getenv("NUM_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.clients = n
		}
	}
	if v := os.Getenv("NUM_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.messages = n
		}
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.metricsAddr = v
	}
	return cfg
}

// conn tracks one accepted connection in the event loop.
type conn struct {
	fd int
	id string
}

func main() {
	cfg := configFromEnv()

	lb := loopback.New()
	if err := dpoll.InitWithEngine(lb); err != nil {
		log.Fatalf("echoserver: init failed: %v", err)
	}

	log.Printf("echoserver: starting")
	log.Printf("  listen_port:  %d", cfg.port)
	log.Printf("  clients:      %d", cfg.clients)
	log.Printf("  messages:     %d", cfg.messages)

	if cfg.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Printf("echoserver: metrics on %s", cfg.metricsAddr)
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
				log.Printf("echoserver: metrics server error: %v", err)
			}
		}()
	}

	addr := &unix.SockaddrInet4{Port: cfg.port, Addr: [4]byte{127, 0, 0, 1}}

	lfd, err := dpoll.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Fatalf("echoserver: socket: %v", err)
	}
	if err := dpoll.Bind(lfd, addr); err != nil {
		log.Fatalf("echoserver: bind: %v", err)
	}
	if err := dpoll.Listen(lfd, 128); err != nil {
		log.Fatalf("echoserver: listen: %v", err)
	}

	epfd, err := dpoll.EpollCreate1(0)
	if err != nil {
		log.Fatalf("echoserver: epoll_create1: %v", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	dpoll.SetEventData(&ev, uint64(lfd))
	if err := dpoll.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lfd, &ev); err != nil {
		log.Fatalf("echoserver: epoll_ctl: %v", err)
	}

	// Built-in traffic: each client dials through the engine directly and
	// round-trips its messages.
	var clients sync.WaitGroup
	for i := 0; i < cfg.clients; i++ {
		clients.Add(1)
		go func(n int) {
			defer clients.Done()
			if err := runClient(lb, addr, n, cfg.messages); err != nil {
				log.Printf("echoserver: client %d: %v", n, err)
			}
		}(i)
	}
	drained := make(chan struct{})
	go func() {
		clients.Wait()
		close(drained)
	}()

	conns := make(map[uint64]*conn)
	events := make([]unix.EpollEvent, 64)
	buf := make([]byte, 4096)

	for {
		select {
		case <-drained:
			log.Printf("echoserver: all clients done, exiting")
			return
		default:
		}

		n, err := dpoll.EpollPwait(epfd, events, 100, nil)
		if err != nil {
			log.Fatalf("echoserver: epoll_pwait: %v", err)
		}

		for i := 0; i < n; i++ {
			cookie := dpoll.EventData(&events[i])
			if cookie == uint64(lfd) {
				acceptAll(epfd, lfd, conns)
				continue
			}
			c, ok := conns[cookie]
			if !ok {
				continue
			}
			serveConn(epfd, c, buf, conns)
		}
	}
}

// acceptAll drains the listener's completed accepts and registers each new
// connection for input readiness.
func acceptAll(epfd, lfd int, conns map[uint64]*conn) {
	for {
		cfd, sa, err := dpoll.Accept(lfd)
		if err != nil {
			if err != unix.EAGAIN {
				log.Printf("echoserver: accept: %v", err)
			}
			return
		}
		c := &conn{fd: cfd, id: uuid.New().String()}
		conns[uint64(cfd)] = c

		ev := unix.EpollEvent{Events: unix.EPOLLIN}
		dpoll.SetEventData(&ev, uint64(cfd))
		if err := dpoll.EpollCtl(epfd, unix.EPOLL_CTL_ADD, cfd, &ev); err != nil {
			log.Printf("echoserver: epoll_ctl add %s: %v", c.id, err)
			delete(conns, uint64(cfd))
			_ = dpoll.Close(cfd)
			continue
		}
		if ip, ok := sa.(*unix.SockaddrInet4); ok {
			log.Printf("echoserver: new connection conn=%s peer=%v:%d (total=%d)", c.id, ip.Addr, ip.Port, len(conns))
		}
	}
}

// serveConn echoes whatever is readable on c. A zero-byte read is end of
// stream: the connection is deregistered and closed.
func serveConn(epfd int, c *conn, buf []byte, conns map[uint64]*conn) {
	for {
		n, err := dpoll.Read(c.fd, buf)
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			log.Printf("echoserver: read conn=%s: %v", c.id, err)
			return
		}
		if n == 0 {
			log.Printf("echoserver: conn=%s closed by peer", c.id)
			_ = dpoll.EpollCtl(epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
			_ = dpoll.Close(c.fd)
			delete(conns, uint64(c.fd))
			return
		}
		if _, err := dpoll.Write(c.fd, buf[:n]); err != nil {
			if err != unix.EAGAIN {
				log.Printf("echoserver: write conn=%s: %v", c.id, err)
			}
			return
		}
	}
}

// runClient dials the server through the engine and round-trips msgs
// messages, verifying each echo.
func runClient(lb *loopback.Engine, addr *unix.SockaddrInet4, id, msgs int) error {
	qd, err := lb.Socket()
	if err != nil {
		return err
	}
	defer lb.Close(qd)

	tok, err := lb.Connect(qd, addr)
	if err != nil {
		return err
	}
	if res, err := lb.Wait(tok, -1); err != nil {
		return err
	} else if err := res.Err(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	for i := 0; i < msgs; i++ {
		msg := fmt.Sprintf("client %d message %d", id, i)
		sga := lb.Alloc(len(msg))
		sga.Fill([]byte(msg))
		tok, err := lb.Push(qd, sga)
		if err != nil {
			return err
		}
		if res, err := lb.Wait(tok, -1); err != nil {
			return err
		} else if err := res.Err(); err != nil {
			return fmt.Errorf("push: %w", err)
		}

		// Collect the echo; it may arrive split across pops.
		got := make([]byte, 0, len(msg))
		for len(got) < len(msg) {
			tok, err := lb.Pop(qd)
			if err != nil {
				return err
			}
			res, err := lb.Wait(tok, -1)
			if err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				return fmt.Errorf("pop: %w", err)
			}
			rd := engine.NewReader(res.SGA)
			chunk := make([]byte, len(msg)-len(got))
			n := rd.Copy(chunk)
			if n == 0 {
				return fmt.Errorf("connection closed mid-echo")
			}
			got = append(got, chunk[:n]...)
		}
		if string(got) != msg {
			return fmt.Errorf("echo mismatch: sent %q, got %q", msg, got)
		}
	}
	return nil
}
