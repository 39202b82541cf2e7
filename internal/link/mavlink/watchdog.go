package mavlink

import (
	"sync"
	"time"
)

// watchdog calls onDown once when no heartbeat was seen for timeout. The
// next Beat re-arms it.
type watchdog struct {
	timeout time.Duration
	onDown  func()

	mu   sync.Mutex
	last time.Time
	up   bool

	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newWatchdog(timeout time.Duration, onDown func()) *watchdog {
	w := &watchdog{
		timeout: timeout,
		onDown:  onDown,
		quit:    make(chan struct{}),
	}
	if timeout > 0 {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

func (w *watchdog) Beat() {
	w.mu.Lock()
	w.last = time.Now()
	w.up = true
	w.mu.Unlock()
}

func (w *watchdog) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-w.quit:
			return
		case now := <-ticker.C:
			w.mu.Lock()
			expired := w.up && now.Sub(w.last) > w.timeout
			if expired {
				w.up = false
			}
			w.mu.Unlock()
			if expired {
				w.onDown()
			}
		}
	}
}

func (w *watchdog) Stop() {
	w.once.Do(func() { close(w.quit) })
	w.wg.Wait()
}
