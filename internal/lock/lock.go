// Package lock serializes writers of the same record across goroutines and
// processes with advisory OS file locks on a sidecar "<record>.lock" file.
//
// Attempts are non-blocking and polled until the configured timeout or
// context cancellation, so a stuck holder surfaces as memerr.ErrConcurrency
// instead of a hang. Lock files are never deleted; another process may be
// waiting on the same inode.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/vmem/internal/memerr"
)

const (
	Suffix              = ".lock"
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 10 * time.Millisecond
)

// errLocked is returned by the platform locker when another handle holds
// the lock.
var errLocked = errors.New("file is locked")

// fileLocker abstracts the platform lock primitive.
type fileLocker interface {
	tryLock(f *os.File) error
	unlock(f *os.File) error
}

type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// Owner is recorded in the lock file while held.
	Owner  string
	Logger *log.Logger
}

// Holder describes the current owner of a lock file.
type Holder struct {
	PID      int       `yaml:"pid"`
	Owner    string    `yaml:"owner,omitempty"`
	Acquired time.Time `yaml:"acquired"`
}

func (h Holder) String() string {
	if h.Owner != "" {
		return fmt.Sprintf("pid %d (%s) since %s", h.PID, h.Owner, h.Acquired.Format(time.RFC3339))
	}
	return fmt.Sprintf("pid %d since %s", h.PID, h.Acquired.Format(time.RFC3339))
}

// Controller hands out exclusive handles on record paths.
type Controller struct {
	cfg    Config
	locker fileLocker
	logger *log.Logger
}

func NewController(cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Controller{
		cfg:    cfg,
		locker: newPlatformLocker(),
		logger: logger.WithPrefix("lock"),
	}
}

// Timeout returns the effective acquisition timeout.
func (c *Controller) Timeout() time.Duration { return c.cfg.Timeout }

// Path returns the lock file guarding target.
func Path(target string) string { return target + Suffix }

// Handle is one held lock.
type Handle struct {
	target string
	file   *os.File
	locker fileLocker
	once   sync.Once
	err    error
}

// Target returns the path the handle guards.
func (h *Handle) Target() string { return h.target }

// Release unlocks and closes the lock file. It is safe to call more than
// once; later calls return the first result.
func (h *Handle) Release() error {
	h.once.Do(func() {
		_ = h.file.Truncate(0)
		uerr := h.locker.unlock(h.file)
		cerr := h.file.Close()
		h.err = errors.Join(uerr, cerr)
	})
	return h.err
}

// Acquire takes the exclusive lock guarding target, waiting up to the
// configured timeout.
func (c *Controller) Acquire(ctx context.Context, target string) (*Handle, error) {
	lockPath := Path(target)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, memerr.E(memerr.KindStorage, "lock.acquire", target, fmt.Errorf("failed to create lock directory: %w", err))
	}
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, memerr.E(memerr.KindStorage, "lock.acquire", target, fmt.Errorf("failed to open lock file: %w", err))
	}

	start := time.Now()
	deadline := start.Add(c.cfg.Timeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		err := c.locker.tryLock(f)
		if err == nil {
			break
		}
		if !errors.Is(err, errLocked) {
			f.Close()
			return nil, memerr.E(memerr.KindStorage, "lock.acquire", target, err)
		}
		if !time.Now().Before(deadline) {
			holder := "unknown holder"
			if h, ok := ReadHolder(target); ok {
				holder = h.String()
			}
			f.Close()
			return nil, memerr.Errorf(memerr.KindConcurrency, "lock.acquire", target, "not acquired within %s (held by %s)", c.cfg.Timeout, holder)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, memerr.E(memerr.KindConcurrency, "lock.acquire", target, ctx.Err())
		case <-ticker.C:
		}
	}

	h := &Handle{target: target, file: f, locker: c.locker}
	if err := writeHolder(f, Holder{PID: os.Getpid(), Owner: c.cfg.Owner, Acquired: time.Now().UTC()}); err != nil {
		c.logger.Debug("could not record lock holder", "path", lockPath, "err", err)
	}
	if waited := time.Since(start); waited > c.cfg.PollInterval {
		c.logger.Debug("acquired after wait", "path", target, "waited", waited)
	}
	return h, nil
}

// Set is a group of handles acquired together.
type Set []*Handle

// Release releases every handle in reverse acquisition order.
func (s Set) Release() error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		errs = append(errs, s[i].Release())
	}
	return errors.Join(errs...)
}

// AcquireAll takes the locks for every target in one global order (sorted,
// duplicates removed) so that concurrent batches cannot deadlock. On failure
// nothing stays held.
func (c *Controller) AcquireAll(ctx context.Context, targets []string) (Set, error) {
	sorted := slices.Clone(targets)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	set := make(Set, 0, len(sorted))
	for _, t := range sorted {
		h, err := c.Acquire(ctx, t)
		if err != nil {
			if rerr := set.Release(); rerr != nil {
				c.logger.Warn("failed to release partial lock set", "err", rerr)
			}
			return nil, err
		}
		set = append(set, h)
	}
	return set, nil
}

// ReadHolder returns the holder recorded in target's lock file, if any.
func ReadHolder(target string) (Holder, bool) {
	data, err := os.ReadFile(Path(target))
	if err != nil || len(data) == 0 {
		return Holder{}, false
	}
	var h Holder
	if err := yaml.Unmarshal(data, &h); err != nil || h.PID == 0 {
		return Holder{}, false
	}
	return h, true
}

func writeHolder(f *os.File, h Holder) error {
	data, err := yaml.Marshal(h)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.WriteAt(data, 0)
	return err
}
