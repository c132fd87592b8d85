package listeners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/otchange/changeval/internal/alerts"
	"github.com/otchange/changeval/internal/alerts/adapters"
	"github.com/otchange/changeval/internal/database"
	"github.com/otchange/changeval/internal/logger"
	"github.com/otchange/changeval/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ErrMailboxNotConfigured is returned when polling without server credentials
var ErrMailboxNotConfigured = errors.New("mailbox is not configured")

// MailboxConfig holds IMAP connection settings
type MailboxConfig struct {
	Server     string // host:port, TLS
	Username   string
	Password   string
	Folder     string
	FromFilter string
	Timeout    time.Duration
}

// mailboxSession is the subset of the IMAP client used by a poll cycle
type mailboxSession interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Logout() error
}

type dialFunc func(ctx context.Context, addr string, timeout time.Duration) (mailboxSession, error)

// MailboxPoller fetches unseen alert mails from an IMAP folder
type MailboxPoller struct {
	cfg        MailboxConfig
	normalizer alerts.Normalizer
	dial       dialFunc
}

// NewMailboxPoller creates a poller for cfg
func NewMailboxPoller(cfg MailboxConfig) *MailboxPoller {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &MailboxPoller{
		cfg:        cfg,
		normalizer: adapters.NewEmailAdapter(),
		dial:       dialTLS,
	}
}

func dialTLS(ctx context.Context, addr string, timeout time.Duration) (mailboxSession, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	c, err := client.DialWithDialerTLS(dialer, addr, nil)
	if err != nil {
		return nil, err
	}
	c.Timeout = timeout
	return c, nil
}

type pollResult struct {
	alerts []database.Alert
	err    error
}

const (
	cycleRunning int32 = iota
	cycleCommitted
	cycleAborted
)

// cycleGate settles once whether a cycle flags its mails seen or is abandoned
type cycleGate struct {
	state atomic.Int32
}

func (g *cycleGate) commit() bool {
	return g.state.CompareAndSwap(cycleRunning, cycleCommitted)
}

// abort reports whether the cycle is abandoned, by this call or an earlier one
func (g *cycleGate) abort() bool {
	g.state.CompareAndSwap(cycleRunning, cycleAborted)
	return g.state.Load() == cycleAborted
}

// errCycleAborted is returned by a cycle that lost the race against the deadline
var errCycleAborted = errors.New("mailbox cycle aborted before commit")

// Poll runs one connect, search, fetch cycle under the configured timeout.
// A cycle either completes or fails as a whole: messages are only flagged
// seen when the cycle commits before the deadline, and a committed cycle
// always returns its alerts.
func (p *MailboxPoller) Poll(ctx context.Context) ([]database.Alert, error) {
	if p.cfg.Server == "" || p.cfg.Username == "" {
		return nil, ErrMailboxNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	gate := &cycleGate{}
	done := make(chan pollResult, 1)
	go func() {
		alerts, err := p.cycle(ctx, gate)
		done <- pollResult{alerts: alerts, err: err}
	}()

	select {
	case r := <-done:
		return r.alerts, r.err
	case <-ctx.Done():
		if gate.abort() {
			return nil, fmt.Errorf("mailbox poll aborted: %w", ctx.Err())
		}
		// already flagging seen; the result must not be dropped
		r := <-done
		return r.alerts, r.err
	}
}

func (p *MailboxPoller) cycle(ctx context.Context, gate *cycleGate) ([]database.Alert, error) {
	log := logger.WithFields(logrus.Fields{"server": p.cfg.Server, "folder": p.cfg.Folder})

	session, err := p.dial(ctx, p.cfg.Server, p.cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mailbox: %w", err)
	}

	// Logging out on the deadline unblocks a hung search or fetch. A
	// committed cycle keeps its session until the seen flags are stored.
	logout := sync.OnceFunc(func() { _ = session.Logout() })
	defer logout()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			if gate.abort() {
				logout()
			}
		case <-stop:
		}
	}()

	if err := session.Login(p.cfg.Username, p.cfg.Password); err != nil {
		return nil, fmt.Errorf("mailbox login failed: %w", err)
	}
	if _, err := session.Select(p.cfg.Folder, false); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", p.cfg.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if p.cfg.FromFilter != "" {
		criteria.Header = textproto.MIMEHeader{}
		criteria.Header.Add("From", p.cfg.FromFilter)
	}
	uids, err := session.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("mailbox search failed: %w", err)
	}
	if len(uids) == 0 {
		log.Debug("No unseen alert mails")
		return []database.Alert{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, len(uids))
	fetchDone := make(chan error, 1)
	go func() {
		fetchDone <- session.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	var bodies [][]byte
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		raw, err := io.ReadAll(literal)
		if err != nil {
			log.WithError(err).WithField("uid", msg.Uid).Warn("Failed to read mail body")
			continue
		}
		bodies = append(bodies, raw)
	}
	if err := <-fetchDone; err != nil {
		return nil, fmt.Errorf("mailbox fetch failed: %w", err)
	}

	parsed := make([]database.Alert, 0, len(bodies))
	for _, raw := range bodies {
		out, err := p.normalizer.Normalize(raw)
		if err != nil {
			metrics.IncRecordSkipped(string(database.SourceTypeEmail), "malformed")
			log.WithError(err).Warn("Skipping unparseable mail")
			continue
		}
		parsed = append(parsed, out...)
	}

	if ctx.Err() != nil {
		gate.abort()
	}
	if !gate.commit() {
		log.WithField("messages", len(uids)).Warn("Poll deadline passed before commit, leaving mails unseen")
		return nil, errCycleAborted
	}
	flags := []interface{}{imap.SeenFlag}
	if err := session.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return nil, fmt.Errorf("failed to mark mails seen: %w", err)
	}

	log.WithFields(logrus.Fields{"messages": len(uids), "alerts": len(parsed)}).Info("Mailbox poll completed")
	return parsed, nil
}
