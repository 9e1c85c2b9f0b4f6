// Package health probes the pipeline's external dependencies. A probe never
// fails; problems are reported in the returned snapshot.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const DefaultTimeout = time.Second

// Pinger is implemented by anything that can confirm it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Monitor struct {
	broker  Pinger
	store   Pinger
	timeout time.Duration
}

type Option func(*Monitor)

// WithTimeout overrides the per-dependency probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

func NewMonitor(broker, store Pinger, opts ...Option) *Monitor {
	m := &Monitor{broker: broker, store: store, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Probe checks every dependency concurrently, each under its own timeout.
func (m *Monitor) Probe(ctx context.Context) schema.Health {
	var (
		h  schema.Health
		wg sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.Broker = m.check(ctx, m.broker)
	}()
	go func() {
		defer wg.Done()
		h.ObjectStore = m.check(ctx, m.store)
	}()
	wg.Wait()
	return h
}

func (m *Monitor) check(ctx context.Context, p Pinger) schema.Service {
	if p == nil {
		return schema.NotWorking("not configured")
	}
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errc <- fmt.Errorf("probe panicked: %v", rec)
			}
		}()
		errc <- p.Ping(checkCtx)
	}()

	select {
	case err := <-errc:
		if err == nil {
			return schema.Working()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return schema.NotWorking(m.timeoutMessage())
		}
		return schema.NotWorking(err.Error())
	case <-checkCtx.Done():
		return schema.NotWorking(m.timeoutMessage())
	}
}

func (m *Monitor) timeoutMessage() string {
	return fmt.Sprintf("timed out after %s", m.timeout)
}

// Report renders a plain-text summary of h.
func Report(h schema.Health) string {
	var b strings.Builder
	if h.AllGood() {
		b.WriteString("Status: API is up!\n")
	} else {
		b.WriteString("Status: API issues detected!\n")
	}
	for _, s := range h.Services() {
		status := "No issues detected"
		if !s.Service.Working {
			status = "unknown error"
			if s.Service.Message != nil {
				status = *s.Service.Message
			}
		}
		fmt.Fprintf(&b, "%s: %s\n", s.Name, status)
	}
	return b.String()
}
