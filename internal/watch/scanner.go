// ABOUTME: Polling directory scanner that streams newly matching files to a Sender
// ABOUTME: Runs as a monitor.Task and honors the stop flag between files and polls

package watch

import (
	"cmp"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/2389/sacmes-gateway/internal/monitor"
)

// Defaults for Config fields left zero.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultSendDelay    = 50 * time.Millisecond
)

// Sender delivers one file's content.
type Sender interface {
	SendFile(ctx context.Context, filename string, content []byte) error
}

// Config configures a Scanner.
type Config struct {
	Dir          string
	Filters      Filters
	PollInterval time.Duration
	SendDelay    time.Duration
	Logger       *slog.Logger
}

// Scanner sends each matching file in Dir once.
type Scanner struct {
	dir     string
	filters Filters
	poll    time.Duration
	delay   time.Duration
	sender  Sender
	logger  *slog.Logger

	processed map[string]struct{}
}

// NewScanner creates a Scanner. It is not safe for concurrent use; run it
// under a monitor.Controller.
func NewScanner(cfg Config, sender Sender) *Scanner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SendDelay <= 0 {
		cfg.SendDelay = DefaultSendDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scanner{
		dir:       cfg.Dir,
		filters:   cfg.Filters,
		poll:      cfg.PollInterval,
		delay:     cfg.SendDelay,
		sender:    sender,
		logger:    cfg.Logger.With("component", "scanner"),
		processed: make(map[string]struct{}),
	}
}

// Run scans until stop is requested, ctx ends, or the directory disappears.
// It satisfies monitor.Task.
func (s *Scanner) Run(ctx context.Context, stop *monitor.Flag) {
	s.logger.Info("scanning", "dir", s.dir, "handle", s.filters.Handle, "frequencies", s.filters.Frequencies)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if stop.Requested() {
			return
		}

		if _, err := s.Scan(ctx, stop); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Error("watch directory is gone, stopping", "dir", s.dir, "error", err)
				return
			}
			s.logger.Warn("scan failed", "dir", s.dir, "error", err)
		}
		timer.Reset(s.poll)
	}
}

// Scan performs one pass and returns the number of files sent.
func (s *Scanner) Scan(ctx context.Context, stop *monitor.Flag) (int, error) {
	batch, err := s.pending()
	if err != nil {
		return 0, err
	}

	sent := 0
	for i, f := range batch {
		if stop.Requested() || ctx.Err() != nil {
			return sent, nil
		}
		if i > 0 && !sleepCtx(ctx, s.delay) {
			return sent, nil
		}

		content, err := os.ReadFile(filepath.Join(s.dir, f.name))
		if err != nil {
			s.logger.Warn("reading file", "file", f.name, "error", err)
			continue
		}
		if err := s.sender.SendFile(ctx, f.name, content); err != nil {
			// Left unmarked so the next poll retries it.
			s.logger.Warn("sending file", "file", f.name, "error", err)
			continue
		}
		s.processed[f.name] = struct{}{}
		sent++
		s.logger.Debug("sent file", "file", f.name, "bytes", len(content))
	}
	return sent, nil
}

// Processed returns how many files have been sent.
func (s *Scanner) Processed() int {
	return len(s.processed)
}

type candidate struct {
	name string
	num  int
}

// pending lists unsent matching files ordered by file number, then name.
func (s *Scanner) pending() ([]candidate, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		if _, done := s.processed[name]; done || !s.filters.Match(name) {
			continue
		}
		_, num, _ := ParseName(name)
		out = append(out, candidate{name: name, num: num})
	}

	slices.SortFunc(out, func(a, b candidate) int {
		return cmp.Or(cmp.Compare(a.num, b.num), cmp.Compare(a.name, b.name))
	})
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
