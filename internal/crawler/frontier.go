package crawler

import "sync"

// frontier is the FIFO queue of URLs awaiting a fetch, together with the
// visited and failed sets that keep a URL from ever being queued twice.
type frontier struct {
	mu      sync.Mutex
	queue   []string
	queued  map[string]struct{}
	visited map[string]struct{}
	failed  map[string]struct{}
}

func newFrontier() *frontier {
	return &frontier{
		queued:  make(map[string]struct{}),
		visited: make(map[string]struct{}),
		failed:  make(map[string]struct{}),
	}
}

// push enqueues the URL unless it was already queued, visited, or failed.
// It reports whether the URL was accepted.
func (f *frontier) push(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queued[url]; ok {
		return false
	}
	if _, ok := f.visited[url]; ok {
		return false
	}
	if _, ok := f.failed[url]; ok {
		return false
	}
	f.queued[url] = struct{}{}
	f.queue = append(f.queue, url)
	return true
}

// pop dequeues the oldest URL. The URL stays in the queued set until it is
// marked visited or failed, so a concurrent rediscovery cannot re-enqueue it.
func (f *frontier) pop() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return "", false
	}
	url := f.queue[0]
	f.queue = f.queue[1:]
	return url, true
}

func (f *frontier) markVisited(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queued, url)
	f.visited[url] = struct{}{}
}

func (f *frontier) markFailed(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queued, url)
	f.failed[url] = struct{}{}
}

// seed records a URL as already visited or failed without queueing it,
// used when resuming from persisted state.
func (f *frontier) seedVisited(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visited[url] = struct{}{}
}

func (f *frontier) seedFailed(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[url] = struct{}{}
}

func (f *frontier) counts() (visited, failed, queued int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited), len(f.failed), len(f.queue)
}
