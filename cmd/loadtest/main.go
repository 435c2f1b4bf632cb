//go:build linux

// Command loadtest measures the multiplexing layer under concurrency: it
// runs an epoll-driven echo server on the dpoll surface and hammers it with
// a fleet of engine-level clients, reporting connect latency (mean and max)
// and echo round-trip latency with bucket-estimated percentiles.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fastpath/dpoll"
	"github.com/fastpath/dpoll/internal/engine"
	"github.com/fastpath/dpoll/internal/engine/loopback"
)

type config struct {
	clients  int
	messages int
	payload  int
	port     int
}

func configFromEnv() config {
	cfg := config{
		clients:  50,
		messages: 100,
		payload:  512,
		port:     9100,
	}
	if v := os.Getenv("CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.clients = n
		}
	}
	if v := os.Getenv("MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.messages = n
		}
	}
	if v := os.Getenv("PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.payload = n
		}
	}
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.port = n
		}
	}
	return cfg
}

func main() {
	cfg := configFromEnv()

	lb := loopback.New()
	if err := dpoll.InitWithEngine(lb); err != nil {
		log.Fatalf("loadtest: init failed: %v", err)
	}

	log.Printf("loadtest: starting")
	log.Printf("  clients:   %d", cfg.clients)
	log.Printf("  messages:  %d", cfg.messages)
	log.Printf("  payload:   %d bytes", cfg.payload)

	addr := &unix.SockaddrInet4{Port: cfg.port, Addr: [4]byte{127, 0, 0, 1}}
	stop := make(chan struct{})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := runServer(addr, stop); err != nil {
			log.Fatalf("loadtest: server: %v", err)
		}
	}()

	start := time.Now()
	results := make([]result, cfg.clients)
	var wg sync.WaitGroup
	for i := 0; i < cfg.clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := runClient(lb, addr, cfg, &results[id]); err != nil {
				log.Printf("loadtest: client %d: %v", id, err)
				results[id].failed = true
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	close(stop)
	<-serverDone
	summarize(results, elapsed)
}

// runServer is a minimal epoll-driven echo loop on the dpoll surface.
func runServer(addr *unix.SockaddrInet4, stop <-chan struct{}) error {
	lfd, err := dpoll.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	defer dpoll.Close(lfd)
	if err := dpoll.Bind(lfd, addr); err != nil {
		return err
	}
	if err := dpoll.Listen(lfd, 1024); err != nil {
		return err
	}

	epfd, err := dpoll.EpollCreate1(0)
	if err != nil {
		return err
	}
	defer dpoll.Close(epfd)

	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	dpoll.SetEventData(&ev, uint64(lfd))
	if err := dpoll.EpollCtl(epfd, unix.EPOLL_CTL_ADD, lfd, &ev); err != nil {
		return err
	}

	events := make([]unix.EpollEvent, 128)
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := dpoll.EpollPwait(epfd, events, 50, nil)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			fd := int(dpoll.EventData(&events[i]))
			if fd == lfd {
				for {
					cfd, _, err := dpoll.Accept(lfd)
					if err != nil {
						break
					}
					cev := unix.EpollEvent{Events: unix.EPOLLIN}
					dpoll.SetEventData(&cev, uint64(cfd))
					if err := dpoll.EpollCtl(epfd, unix.EPOLL_CTL_ADD, cfd, &cev); err != nil {
						_ = dpoll.Close(cfd)
					}
				}
				continue
			}
			for {
				rn, err := dpoll.Read(fd, buf)
				if err != nil || rn == 0 {
					if err == nil {
						_ = dpoll.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
						_ = dpoll.Close(fd)
					}
					break
				}
				// Retry back-pressured echoes: the peer drains on its own,
				// so the pending push completes without our help.
				for {
					if _, werr := dpoll.Write(fd, buf[:rn]); werr != unix.EAGAIN {
						break
					}
					time.Sleep(time.Millisecond)
				}
			}
		}
	}
}

// runClient drives one connection through the engine, tallying into its
// own result slot.
func runClient(lb *loopback.Engine, addr *unix.SockaddrInet4, cfg config, r *result) error {
	qd, err := lb.Socket()
	if err != nil {
		return err
	}
	defer lb.Close(qd)

	connectStart := time.Now()
	tok, err := lb.Connect(qd, addr)
	if err != nil {
		return err
	}
	res, err := lb.Wait(tok, -1)
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	r.connectTime = time.Since(connectStart)

	payload := make([]byte, cfg.payload)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	for i := 0; i < cfg.messages; i++ {
		start := time.Now()

		sga := lb.Alloc(len(payload))
		sga.Fill(payload)
		tok, err := lb.Push(qd, sga)
		if err != nil {
			return err
		}
		if res, err := lb.Wait(tok, -1); err != nil {
			return err
		} else if err := res.Err(); err != nil {
			return fmt.Errorf("push: %w", err)
		}

		received := 0
		for received < len(payload) {
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
			chunk := make([]byte, len(payload)-received)
			n := rd.Copy(chunk)
			if n == 0 {
				return fmt.Errorf("connection closed mid-echo")
			}
			received += n
		}
		r.record(time.Since(start), received)
	}
	return nil
}
