package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pdbtools/typescraper/internal/backend"
)

// Status is the lifecycle state of one scrape process.
// running is the only non-terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

func (s Status) Terminal() bool { return s != StatusRunning }

// Mode selects which scraper CLI subcommand a process runs.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeProfile     Mode = "profile"
)

// incrementalMaxPages caps the page count of incremental runs server-side,
// regardless of what the client asked for.
const incrementalMaxPages = 5

var (
	ErrNotFound    = errors.New("process not found")
	ErrInvalidMode = errors.New("invalid scrape mode")
)

// ScrapeConfig describes one scrape process. Immutable once started.
type ScrapeConfig struct {
	Mode      Mode         `json:"mode"`
	MaxPages  int          `json:"maxPages,omitempty"`
	DelayMs   int          `json:"delayMs,omitempty"`
	Backend   backend.Kind `json:"browser,omitempty"`
	TargetURL string       `json:"url,omitempty"`

	RateLimitPerMinute int `json:"rateLimitPerMinute,omitempty"`
	Concurrency        int `json:"concurrency,omitempty"`
	TimeoutSeconds     int `json:"timeoutSeconds,omitempty"`
}

// Validate checks the parts of the config the supervisor interprets.
func (c *ScrapeConfig) Validate() error {
	switch c.Mode {
	case ModeFull, ModeIncremental:
	case ModeProfile:
		if c.TargetURL == "" {
			return errors.New("profile mode requires a target url")
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if c.Backend != "" {
		if _, err := backend.ParseKind(string(c.Backend)); err != nil {
			return err
		}
	}
	if c.MaxPages < 0 || c.DelayMs < 0 {
		return errors.New("maxPages and delayMs must be non-negative")
	}
	return nil
}

// process is the supervisor-side record for one spawned scrape job. All
// mutation happens under the supervisor mutex; the process handle is owned
// exclusively by the supervisor.
type process struct {
	ID        string
	Status    Status
	StartTime time.Time
	EndTime   *time.Time
	Config    ScrapeConfig
	Progress  Progress
	Error     string

	cmd  *exec.Cmd
	logs *logRing

	// scanDone is released once both output scanners hit EOF.
	scanDone sync.WaitGroup
}

// Snapshot is the client-visible copy of a process record.
type Snapshot struct {
	ProcessID string       `json:"processId"`
	Status    Status       `json:"status"`
	StartTime time.Time    `json:"startTime"`
	EndTime   *time.Time   `json:"endTime,omitempty"`
	Config    ScrapeConfig `json:"config"`
	Progress  Progress     `json:"progress"`
	Error     string       `json:"error,omitempty"`
}

// Stats aggregates process counts by status.
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Stopped   int `json:"stopped"`
}

// Invalidator is the dataset store's reload contract: called after a scrape
// completes so cached snapshots are rebuilt from fresh data.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Config tunes the supervisor itself.
type Config struct {
	// ScraperBin is the scraper CLI the supervisor spawns.
	ScraperBin string

	// Retention is how long finished records stay queryable; SweepInterval
	// is how often expired ones are evicted.
	Retention     time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScraperBin:    "typed-scraper",
		Retention:     time.Hour,
		SweepInterval: 15 * time.Minute,
	}
}

// Supervisor owns the process registry. It spawns scrape jobs as OS
// subprocesses, captures their output into per-process log rings, extracts
// progress from stdout lines, and reports lifecycle state to clients.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*process
	cfg    Config
	logger *slog.Logger

	dataset Invalidator // optional
}

func New(cfg Config, logger *slog.Logger, dataset Invalidator) *Supervisor {
	if cfg.ScraperBin == "" {
		cfg.ScraperBin = DefaultConfig().ScraperBin
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Supervisor{
		procs:   make(map[string]*process),
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		dataset: dataset,
	}
}

// buildArgs maps a ScrapeConfig to the scraper CLI invocation.
func (s *Supervisor) buildArgs(cfg ScrapeConfig) []string {
	var args []string
	switch cfg.Mode {
	case ModeFull:
		args = []string{"full"}
	case ModeIncremental:
		pages := cfg.MaxPages
		if pages <= 0 || pages > incrementalMaxPages {
			pages = incrementalMaxPages
		}
		args = []string{"incremental", "-max-pages", strconv.Itoa(pages)}
	case ModeProfile:
		args = []string{"profile", "-url", cfg.TargetURL}
	}

	if cfg.Backend != "" {
		args = append(args, "-backend", string(cfg.Backend))
	}
	if cfg.DelayMs > 0 {
		args = append(args, "-delay-ms", strconv.Itoa(cfg.DelayMs))
	}
	if cfg.RateLimitPerMinute > 0 {
		args = append(args, "-rate-limit", strconv.Itoa(cfg.RateLimitPerMinute))
	}
	if cfg.Concurrency > 0 {
		args = append(args, "-concurrency", strconv.Itoa(cfg.Concurrency))
	}
	if cfg.TimeoutSeconds > 0 {
		args = append(args, "-timeout", strconv.Itoa(cfg.TimeoutSeconds))
	}
	return args
}

// Start spawns a scrape process and returns its id. A spawn failure still
// registers a record, already in the failed state, so the client can inspect
// the error.
func (s *Supervisor) Start(cfg ScrapeConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	id := fmt.Sprintf("proc_%d", time.Now().UnixNano())
	args := s.buildArgs(cfg)

	cmd := exec.Command(s.cfg.ScraperBin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	p := &process{
		ID:        id,
		Status:    StatusRunning,
		StartTime: time.Now(),
		Config:    cfg,
		cmd:       cmd,
		logs:      newLogRing(),
	}

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		now := time.Now()
		p.Status = StatusFailed
		p.EndTime = &now
		p.Error = fmt.Sprintf("failed to spawn scraper: %v", err)
		p.logs.Append(p.Error)
		s.mu.Unlock()
		s.logger.Error("scraper spawn failed", "process", id, "error", err)
		return id, nil
	}

	s.logger.Info("scrape process started", "process", id, "mode", cfg.Mode, "args", args)
	s.appendLog(id, fmt.Sprintf("started %s scrape (pid %d)", cfg.Mode, cmd.Process.Pid))

	p.scanDone.Add(2)
	go func() {
		defer p.scanDone.Done()
		s.scanStdout(id, stdout)
	}()
	go func() {
		defer p.scanDone.Done()
		s.scanStderr(id, stderr)
	}()
	go s.waitFor(id)

	return id, nil
}

func (s *Supervisor) scanStdout(id string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		if p, ok := s.procs[id]; ok {
			p.logs.Append(line)
			if delta, ok := ParseProgress(line); ok {
				p.Progress.apply(delta)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Supervisor) scanStderr(id string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		// Error-channel lines are logged but never change status.
		s.appendLog(id, "[stderr] "+scanner.Text())
	}
}

// waitFor records the terminal state once the process exits. A record
// already stopped by the user keeps that status; trailing output is
// harmless.
func (s *Supervisor) waitFor(id string) {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	// Drain both output streams first: Wait closes the pipes, and any lines
	// still in flight would be lost. This also keeps the terminal log line
	// after all captured output.
	p.scanDone.Wait()
	err := p.cmd.Wait()

	s.mu.Lock()
	completed := false
	if !p.Status.Terminal() {
		now := time.Now()
		p.EndTime = &now
		if err == nil {
			p.Status = StatusCompleted
			p.logs.Append("scrape completed")
			completed = true
		} else {
			p.Status = StatusFailed
			p.Error = err.Error()
			p.logs.Append("scrape failed: " + err.Error())
		}
	} else {
		p.logs.Append("process exited")
	}
	s.mu.Unlock()

	s.logger.Info("scrape process finished", "process", id, "error", err)

	if completed && s.dataset != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.dataset.Invalidate(ctx); err != nil {
			s.logger.Warn("dataset invalidation failed", "process", id, "error", err)
		}
	}
}

// Stop sends SIGTERM to the process and flips its status to stopped
// immediately, without waiting for the actual exit. Best-effort: the process
// may emit a few trailing log lines before it truly dies.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status.Terminal() {
		return nil
	}

	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("failed to signal process", "process", id, "error", err)
		}
	}

	now := time.Now()
	p.Status = StatusStopped
	p.EndTime = &now
	p.logs.Append("stopped by user")
	return nil
}

// Status returns a snapshot of one process record.
func (s *Supervisor) Status(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return p.snapshot(), nil
}

// Logs returns the newest n log entries for a process.
func (s *Supervisor) Logs(id string, n int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n <= 0 {
		return p.logs.All(), nil
	}
	return p.logs.Last(n), nil
}

// AppendLog adds a line to a process log, running progress extraction on it.
// Used by the stream scanners and exposed for in-process callers.
func (s *Supervisor) AppendLog(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[id]
	if !ok {
		return ErrNotFound
	}
	p.logs.Append(message)
	if delta, ok := ParseProgress(message); ok {
		p.Progress.apply(delta)
	}
	return nil
}

func (s *Supervisor) appendLog(id, message string) {
	s.mu.Lock()
	if p, ok := s.procs[id]; ok {
		p.logs.Append(message)
	}
	s.mu.Unlock()
}

// Processes lists all known process records, newest first.
func (s *Supervisor) Processes() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Stats aggregates process counts by status.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, p := range s.procs {
		st.Total++
		switch p.Status {
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusStopped:
			st.Stopped++
		}
	}
	return st
}

// RunSweeper evicts expired records until ctx is cancelled.
func (s *Supervisor) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Supervisor) sweep() {
	cutoff := time.Now().Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.procs {
		if p.StartTime.Before(cutoff) {
			delete(s.procs, id)
			s.logger.Info("evicted expired process record", "process", id)
		}
	}
}

func (p *process) snapshot() Snapshot {
	return Snapshot{
		ProcessID: p.ID,
		Status:    p.Status,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
		Config:    p.Config,
		Progress:  p.Progress,
		Error:     p.Error,
	}
}
