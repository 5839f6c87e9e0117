package registry

import (
	"slices"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

// QueueStatusMessage delivers msg to this registry's connection and, for a global registry, to every
// watcher of the same persistence class. Watchers filter with their own mask.
func (r *Registry) QueueStatusMessage(msg *fcp.Message, mask request.Verbosity, useGlobalMask bool) {
	if msg == nil {
		return
	}
	if useGlobalMask {
		r.watchMu.RLock()
		watchMask := r.watchMask
		r.watchMu.RUnlock()
		if !watchMask.Has(mask) {
			return
		}
	}
	if conn := r.Connection(); conn != nil {
		conn.Send(msg)
	}
	if !r.global {
		return
	}
	r.watchMu.RLock()
	watchers := slices.Clone(r.watchers)
	r.watchMu.RUnlock()
	for _, w := range watchers {
		if w.persistence != r.persistence {
			continue
		}
		w.QueueStatusMessage(msg, mask, true)
	}
}

// SetWatchGlobal subscribes to both global queues. Subscribing replays the matching global queue
// to the current connection asynchronously.
func (r *Registry) SetWatchGlobal(enabled bool, mask request.Verbosity) bool {
	if r.global {
		r.log.Error("set watch global on a global registry")
		return false
	}
	r.watchMu.Lock()
	was := r.watching
	r.watching = enabled
	r.watchMask = mask
	r.watchMu.Unlock()

	switch {
	case was && !enabled:
		r.dir.globalReboot.unwatch(r)
		r.dir.globalForever.unwatch(r)
	case enabled && !was:
		r.dir.globalReboot.watch(r)
		r.dir.globalForever.watch(r)
		if conn := r.Connection(); conn != nil {
			r.dir.Global(r.persistence).QueuePendingMessagesAsync(conn)
		}
	}
	return true
}

func (r *Registry) WatchingGlobal() bool {
	r.watchMu.RLock()
	defer r.watchMu.RUnlock()
	return r.watching
}

func (r *Registry) watch(w *Registry) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if !slices.Contains(r.watchers, w) {
		r.watchers = append(r.watchers, w)
	}
}

func (r *Registry) unwatch(w *Registry) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	r.watchers = slices.DeleteFunc(r.watchers, func(x *Registry) bool { return x == w })
}

func (r *Registry) WatchMask() request.Verbosity {
	r.watchMu.RLock()
	defer r.watchMu.RUnlock()
	return r.watchMask
}
