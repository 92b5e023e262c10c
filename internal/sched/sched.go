// Package sched runs jobs on cron schedules. It scans a directory of job
// files, registers every job whose metadata carries a schedule expression,
// and watches the directory so edits take effect without a restart.
package sched

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/agentrun/internal/job"
)

const reloadDebounce = 500 * time.Millisecond

// Entry is one scheduled job as currently registered.
type Entry struct {
	Path     string `json:"path"`
	Goal     string `json:"goal"`
	Schedule string `json:"schedule"`
}

// Service owns the cron runner and the directory watcher. OnJob is invoked
// for each due job; it must be set before Start.
type Service struct {
	dir   string
	OnJob func(path string, j *job.Job)

	mu       sync.Mutex
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job file path -> cron entry
	entries  []Entry

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(dir string) *Service {
	return &Service{
		dir:      dir,
		entryMap: make(map[string]rcron.EntryID),
	}
}

// Start loads the directory, registers schedules, and begins watching for
// changes. It returns once the initial scan is complete.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron = rcron.New(rcron.WithSeconds())
	s.cron.Start()

	if err := s.reload(); err != nil {
		log.Printf("[sched] warning: initial scan failed: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return err
	}
	s.watcher = watcher
	if err := watcher.Add(s.dir); err != nil {
		log.Printf("[sched] warning: cannot watch %s: %v", s.dir, err)
	}

	s.wg.Add(1)
	go s.watchLoop(runCtx)

	log.Printf("[sched] started with %d scheduled jobs in %s", len(s.Entries()), s.dir)
	return nil
}

// Stop halts the watcher and waits for in-flight job executions to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		_ = s.watcher.Close() //nolint:errcheck
	}
	s.wg.Wait()

	s.mu.Lock()
	cr := s.cron
	s.mu.Unlock()
	if cr != nil {
		stopCtx := cr.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[sched] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[sched] stopped")
}

// Entries reports the currently registered schedules.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Entry, len(s.entries))
	copy(result, s.entries)
	return result
}

func (s *Service) watchLoop(ctx context.Context) {
	defer s.wg.Done()

	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isJobFile(evt.Name) {
				continue
			}
			// coalesce bursts of events into one reload
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[sched] watch error: %v", err)
		case <-reload:
			if err := s.reload(); err != nil {
				log.Printf("[sched] reload failed: %v", err)
			}
		}
	}
}

// reload rebuilds the cron registrations from the directory contents.
func (s *Service) reload() error {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for path, id := range s.entryMap {
		s.cron.Remove(id)
		delete(s.entryMap, path)
	}
	s.entries = s.entries[:0]

	for _, entry := range names {
		if entry.IsDir() || !isJobFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		j, err := job.Load(path)
		if err != nil {
			log.Printf("[sched] skipping %s: %v", entry.Name(), err)
			continue
		}
		if strings.TrimSpace(j.Metadata.Schedule) == "" {
			continue
		}
		s.register(path, j)
	}

	sort.Slice(s.entries, func(i, k int) bool { return s.entries[i].Path < s.entries[k].Path })
	log.Printf("[sched] registered %d scheduled jobs", len(s.entries))
	return nil
}

// register adds one cron entry. The job file is re-read at fire time so the
// run always sees the current contents.
func (s *Service) register(path string, j *job.Job) {
	id, err := s.cron.AddFunc(j.Metadata.Schedule, func() {
		s.execute(path)
	})
	if err != nil {
		log.Printf("[sched] bad schedule %q in %s: %v", j.Metadata.Schedule, filepath.Base(path), err)
		return
	}
	s.entryMap[path] = id
	s.entries = append(s.entries, Entry{Path: path, Goal: j.Goal, Schedule: j.Metadata.Schedule})
}

func (s *Service) execute(path string) {
	j, err := job.Load(path)
	if err != nil {
		log.Printf("[sched] %s no longer loadable: %v", filepath.Base(path), err)
		return
	}
	log.Printf("[sched] firing %s", filepath.Base(path))
	if s.OnJob == nil {
		log.Printf("[sched] no OnJob handler set")
		return
	}
	s.OnJob(path, j)
}

func isJobFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
