// Package listeners receives alerts from the live ingestion channels: a UDP
// syslog socket and a polled IMAP mailbox.
package listeners

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/otchange/changeval/internal/alerts"
	"github.com/otchange/changeval/internal/alerts/adapters"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/otchange/changeval/internal/utils"
	"github.com/sirupsen/logrus"
)

// OverflowPolicy decides which alert is discarded when the queue is full
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	DropNewest OverflowPolicy = "drop_newest"
)

// ParseOverflowPolicy parses a policy name, defaulting to DropOldest
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", DropOldest:
		return DropOldest, nil
	case DropNewest:
		return DropNewest, nil
	default:
		return "", fmt.Errorf("unknown syslog overflow policy %q", s)
	}
}

// DefaultQueueSize bounds the syslog queue when no size is configured
const DefaultQueueSize = 1000

const maxDatagram = 65535

// SyslogListener reads syslog datagrams over UDP and queues the parsed
// alerts. The read loop never blocks on the consumer.
type SyslogListener struct {
	addr       string
	policy     OverflowPolicy
	normalizer alerts.Normalizer
	queue      chan database.Alert

	mu      sync.Mutex
	conn    net.PacketConn
	done    chan struct{}
	dropped int
}

// NewSyslogListener creates a listener bound to addr once started
func NewSyslogListener(addr string, queueSize int, policy OverflowPolicy) *SyslogListener {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if policy == "" {
		policy = DropOldest
	}
	return &SyslogListener{
		addr:       addr,
		policy:     policy,
		normalizer: adapters.NewSyslogAdapter(),
		queue:      make(chan database.Alert, queueSize),
	}
}

// Start binds the socket and runs the read loop until ctx is cancelled or
// Stop is called
func (l *SyslogListener) Start(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.conn = conn
	l.done = done
	l.mu.Unlock()

	logger.WithFields(logrus.Fields{"addr": conn.LocalAddr().String(), "policy": l.policy}).Info("Syslog listener started")

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go l.readLoop(conn, done)
	return nil
}

// Addr returns the bound address, or nil before Start
func (l *SyslogListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Stop closes the socket and waits for the read loop to exit
func (l *SyslogListener) Stop() {
	l.mu.Lock()
	conn, done := l.conn, l.done
	l.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	<-done
	logger.Log().Info("Syslog listener stopped")
}

func (l *SyslogListener) readLoop(conn net.PacketConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Log().WithError(err).Warn("Syslog read failed")
			continue
		}
		l.handle(buf[:n], from)
	}
}

func (l *SyslogListener) handle(datagram []byte, from net.Addr) {
	payload := make([]byte, len(datagram))
	copy(payload, datagram)

	parsed, err := l.normalizer.Normalize(payload)
	if err != nil {
		metrics.IncRecordSkipped(string(database.SourceTypeSyslogCustom), "malformed")
		logger.WithFields(logrus.Fields{
			"from":    addrString(from),
			"payload": utils.EscapeForLogging(string(payload), 200),
		}).WithError(err).Debug("Skipping syslog datagram")
		return
	}
	for _, alert := range parsed {
		l.enqueue(alert)
	}
}

// enqueue pushes alert without blocking, applying the overflow policy
func (l *SyslogListener) enqueue(alert database.Alert) {
	select {
	case l.queue <- alert:
		return
	default:
	}

	l.mu.Lock()
	l.dropped++
	l.mu.Unlock()
	metrics.IncSyslogDropped(string(l.policy))

	if l.policy == DropNewest {
		logger.Log().WithField("alert_id", alert.AlertID).Warn("Syslog queue full, dropping newest alert")
		return
	}

	// drop_oldest: discard the head, then retry once
	select {
	case old := <-l.queue:
		logger.Log().WithField("alert_id", old.AlertID).Warn("Syslog queue full, dropping oldest alert")
	default:
	}
	select {
	case l.queue <- alert:
	default:
		logger.Log().WithField("alert_id", alert.AlertID).Warn("Syslog queue still full, dropping alert")
	}
}

// Drain returns every queued alert without blocking
func (l *SyslogListener) Drain() []database.Alert {
	var out []database.Alert
	for {
		select {
		case alert := <-l.queue:
			out = append(out, alert)
		default:
			return out
		}
	}
}

// Dropped returns how many alerts were discarded on overflow
func (l *SyslogListener) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Pending returns the number of queued alerts
func (l *SyslogListener) Pending() int {
	return len(l.queue)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
