package dataset

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// DownloaderConfig contains configuration for the background downloader.
type DownloaderConfig struct {
	MaxConcurrent int // concurrent tile downloads (default 4)
	QueueSize     int // pending downloads before Enqueue refuses (default 256)
}

// Downloader runs queued tile downloads on a fixed set of workers.
type Downloader struct {
	cfg      DownloaderConfig
	log      *logrus.Entry
	queue    chan *Tile
	pending  map[*Tile]bool
	mu       sync.Mutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewDownloader creates a downloader. Call Start before enqueueing.
func NewDownloader(cfg DownloaderConfig, log *logrus.Entry) *Downloader {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Downloader{
		cfg:     cfg,
		log:     log.WithField("component", "downloader"),
		queue:   make(chan *Tile, cfg.QueueSize),
		pending: make(map[*Tile]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the worker goroutines.
func (d *Downloader) Start() {
	for i := 0; i < d.cfg.MaxConcurrent; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop stops all workers. Queued tiles that have not started are skipped;
// fetches already running complete in the background.
func (d *Downloader) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.queue)
		d.mu.Unlock()
		d.cancel()
		d.wg.Wait()
	})
}

// Enqueue schedules t for download. It reports false when t is already
// queued, not unloaded, the queue is full, or the downloader is stopped.
func (d *Downloader) Enqueue(t *Tile) bool {
	if t.State() != StateUnloaded {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.pending[t] {
		return false
	}
	select {
	case d.queue <- t:
		d.pending[t] = true
		return true
	default:
		d.log.WithField("tile", t.key.String()).Debug("queue full, dropping download")
		return false
	}
}

// Pending returns the number of queued or running downloads.
func (d *Downloader) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Downloader) worker() {
	defer d.wg.Done()
	for t := range d.queue {
		if d.ctx.Err() == nil {
			// Failures are recorded on the tile and logged by it.
			_ = t.Download(d.ctx)
		}
		d.mu.Lock()
		delete(d.pending, t)
		d.mu.Unlock()
	}
}
