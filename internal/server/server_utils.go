package server

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/connection"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

// accessList holds the hosts granted full access. Entries are IPs, CIDRs or "*".
type accessList struct {
	any   bool
	nets  []*net.IPNet
	hosts []net.IP
}

func newAccessList(entries []string) *accessList {
	a := &accessList{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			a.any = true
		case strings.Contains(entry, "/"):
			_, n, err := net.ParseCIDR(entry)
			if err != nil {
				logger.WarnF("Ignoring bad full access entry %q: %v", entry, err)
				continue
			}
			a.nets = append(a.nets, n)
		default:
			ip := net.ParseIP(entry)
			if ip == nil {
				logger.WarnF("Ignoring bad full access entry %q", entry)
				continue
			}
			a.hosts = append(a.hosts, ip)
		}
	}
	return a
}

func (a *accessList) allows(addr net.Addr) bool {
	if a.any {
		return true
	}
	if addr == nil {
		return false
	}
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, h := range a.hosts {
		if h.Equal(ip) {
			return true
		}
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// allowDirectDiskAccess decides whether a session may read or write path on the node's disk.
func (s *Server) allowDirectDiskAccess(session *connection.Session, path string, write bool) bool {
	if !session.HasFullAccess() || !filepath.IsAbs(path) {
		return false
	}
	if write {
		return s.cfg.Server.AssumeDDADownloadAllowed
	}
	return s.cfg.Server.AssumeDDAUploadAllowed
}

// checkDiskAccess validates the disk side of a request before it is registered.
func (s *Server) checkDiskAccess(session *connection.Session, opts request.Options) error {
	path, write, ok := opts.DiskAccess()
	if !ok {
		return nil
	}
	protoErr := func(code fcp.ProtocolErrorCode, extra string) error {
		return fcp.NewProtocolError(code, extra, opts.Identifier, opts.Global)
	}
	if !s.allowDirectDiskAccess(session, path, write) {
		return protoErr(fcp.DDADenied, path)
	}
	info, err := os.Stat(path)
	if write {
		if err == nil {
			return protoErr(fcp.DiskTargetExists, path)
		}
		return nil
	}
	switch {
	case err != nil:
		return protoErr(fcp.FileNotFound, path)
	case opts.Kind == request.KindPutDir && !info.IsDir():
		return protoErr(fcp.NotAFileError, path+" is not a directory")
	case opts.Kind == request.KindPut && !info.Mode().IsRegular():
		return protoErr(fcp.NotAFileError, path)
	}
	return nil
}

// scopeLocks serialises request submission per identifier scope. Sessions of the same client and all
// global submitters share a scope, and the collision check and registration must not interleave.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	sync.Mutex
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*scopeLock)}
}

// lock blocks until key is free and returns the matching unlock.
func (l *scopeLocks) lock(key string) func() {
	l.mu.Lock()
	sl, ok := l.locks[key]
	if !ok {
		sl = &scopeLock{}
		l.locks[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.Lock()
	return func() {
		sl.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *scopeLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func scopeKey(session *connection.Session, global bool) string {
	if global {
		return "global"
	}
	return "client:" + session.ClientName()
}
