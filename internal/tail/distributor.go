// Package tail streams newly appended log records to subscribers in near
// real time. Each subscriber gets one poller per source partition of the
// watched day, plus a coarser discovery loop that picks up sources created
// or removed while the subscription is live.
package tail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"reaclog/internal/jsonl"
	"reaclog/internal/logging"
)

const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultDiscoveryInterval = time.Second

	// summariesDir holds derived rollups, not raw events; never tailed.
	summariesDir = "summaries"
)

// Record is one decoded log line.
type Record map[string]interface{}

// Distributor hands out independent day subscriptions over one log root.
type Distributor struct {
	dataDir           string
	location          *time.Location
	pollInterval      time.Duration
	discoveryInterval time.Duration
}

// Option tunes a Distributor.
type Option func(*Distributor)

// WithIntervals overrides the poll and discovery cadence. Tests use this to
// tighten the loop.
func WithIntervals(poll, discovery time.Duration) Option {
	return func(d *Distributor) {
		if poll > 0 {
			d.pollInterval = poll
		}
		if discovery > 0 {
			d.discoveryInterval = discovery
		}
	}
}

func NewDistributor(dataDir string, loc *time.Location, opts ...Option) *Distributor {
	if loc == nil {
		loc = time.Local
	}
	d := &Distributor{
		dataDir:           dataDir,
		location:          loc,
		pollInterval:      defaultPollInterval,
		discoveryInterval: defaultDiscoveryInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DayDir is the directory holding a day's source partitions.
func (d *Distributor) DayDir(day time.Time) string {
	t := day.In(d.location)
	return filepath.Join(
		d.dataDir,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
	)
}

// Subscription delivers a day's newly appended records until closed.
type Subscription struct {
	ID string

	records chan Record
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// Records is the subscriber's stream. Closed after Close returns.
func (s *Subscription) Records() <-chan Record { return s.records }

// Close tears down the pollers, discovery loop, and filesystem watcher
// synchronously; no goroutine or timer of this subscription survives it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.records)
	})
}

// Subscribe starts streaming the given day. The day directory may not exist
// yet; discovery keeps looking until it appears or the subscription closes.
func (d *Distributor) Subscribe(ctx context.Context, day time.Time) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:      uuid.NewString(),
		records: make(chan Record, 64),
		cancel:  cancel,
	}

	sub.wg.Add(1)
	go d.supervise(subCtx, d.DayDir(day), sub)

	logging.Get(logging.CategoryTail).Debugf("subscriber %s attached to %s", sub.ID, d.DayDir(day))
	return sub
}

// sourcePoller tails one source partition file. consumed counts records
// already delivered; sources present at subscribe time start at the file's
// current count so only records appended afterwards stream.
type sourcePoller struct {
	source   string
	path     string
	consumed int
	nudge    chan struct{}
	cancel   context.CancelFunc
}

func (d *Distributor) supervise(ctx context.Context, dayDir string, sub *Subscription) {
	defer sub.wg.Done()
	log := logging.Get(logging.CategoryTail)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Polling alone still works, just with full poll latency.
		log.Debugf("fsnotify unavailable: %v", err)
		watcher = nil
	}
	watchedDay := false
	if watcher != nil {
		defer watcher.Close()
		watchedDay = watcher.Add(dayDir) == nil
	}

	pollers := map[string]*sourcePoller{}
	stopAll := func() {
		for _, p := range pollers {
			p.cancel()
		}
	}
	defer stopAll()

	discover := func(seedBaseline bool) {
		if watcher != nil && !watchedDay {
			watchedDay = watcher.Add(dayDir) == nil
		}

		entries, err := os.ReadDir(dayDir)
		if err != nil {
			return
		}
		current := map[string]bool{}
		for _, entry := range entries {
			if !entry.IsDir() || entry.Name() == summariesDir {
				continue
			}
			current[entry.Name()] = true
			if _, ok := pollers[entry.Name()]; ok {
				continue
			}

			pollerCtx, cancel := context.WithCancel(ctx)
			p := &sourcePoller{
				source: entry.Name(),
				path:   filepath.Join(dayDir, entry.Name(), "events.jsonl"),
				nudge:  make(chan struct{}, 1),
				cancel: cancel,
			}
			if seedBaseline {
				if count, err := jsonl.CountRecords(p.path); err == nil {
					p.consumed = count
				}
			}
			pollers[entry.Name()] = p
			if watcher != nil {
				_ = watcher.Add(filepath.Join(dayDir, entry.Name()))
			}
			sub.wg.Add(1)
			go d.poll(pollerCtx, p, sub)
			log.Debugf("subscriber %s: poller started for %s", sub.ID, p.source)
		}
		// Dispose pollers for removed sources.
		for name, p := range pollers {
			if !current[name] {
				p.cancel()
				delete(pollers, name)
				log.Debugf("subscriber %s: poller dropped for %s", sub.ID, name)
			}
		}
	}

	// The initial pass seeds each existing source at its current record
	// count; sources discovered later stream their whole file.
	discover(true)
	ticker := time.NewTicker(d.discoveryInterval)
	defer ticker.Stop()

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			discover(false)
		case event, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				discover(false)
			}
			for _, p := range pollers {
				if strings.HasPrefix(event.Name, filepath.Dir(p.path)) {
					select {
					case p.nudge <- struct{}{}:
					default:
					}
				}
			}
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			log.Debugf("watch error: %v", err)
		}
	}
}

// poll re-reads the partition and delivers only records beyond the consumed
// count. A shrunken file resets the count, so truncation replays from zero.
func (d *Distributor) poll(ctx context.Context, p *sourcePoller, sub *Subscription) {
	defer sub.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	drain := func() {
		records, err := jsonl.ReadFile(p.path)
		if err != nil {
			logging.Get(logging.CategoryTail).Debugf("read %s: %v", p.path, err)
			return
		}
		if len(records) < p.consumed {
			p.consumed = 0
		}
		for _, record := range records[p.consumed:] {
			select {
			case <-ctx.Done():
				return
			case sub.records <- Record(record):
				p.consumed++
			}
		}
	}

	drain()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drain()
		case <-p.nudge:
			drain()
		}
	}
}
