package netguard

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses bursts of file events (editors often write a
// file several times in quick succession) into one reload.
const watchDebounce = 200 * time.Millisecond

// ParseDomainList reads a domain list: one pattern per line, blank
// lines and # comments ignored. Patterns are kept as written;
// normalization happens when the block set is built.
func ParseDomainList(r io.Reader) ([]string, error) {
	var domains []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line != "" {
			domains = append(domains, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read domain list: %w", err)
	}
	return domains, nil
}

// LoadDomainFile reads a domain-list file from disk.
func LoadDomainFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open domain list: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseDomainList(f)
}

// BlocklistWatcher reloads a domain-list file into a Server whenever
// the file changes on disk. The parent directory is watched rather than
// the file itself so atomic rename-into-place updates are seen too.
type BlocklistWatcher struct {
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatchBlocklist starts watching path and applies its contents to the
// server on every change. The file is loaded once immediately.
func WatchBlocklist(s *Server, path string, logger *slog.Logger) (*BlocklistWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve blocklist path: %w", err)
	}

	if err := reloadBlocklist(s, abs); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bw := &BlocklistWatcher{
		watcher: watcher,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go bw.run(ctx, s, abs, logger)
	return bw, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (bw *BlocklistWatcher) Close() error {
	bw.cancel()
	<-bw.done
	return bw.watcher.Close()
}

func (bw *BlocklistWatcher) run(ctx context.Context, s *Server, path string, logger *slog.Logger) {
	defer close(bw.done)

	var debounce *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				debounce.Reset(watchDebounce)
			}
			pending = debounce.C

		case <-pending:
			pending = nil
			if err := reloadBlocklist(s, path); err != nil {
				logger.Error("blocklist reload failed", "path", path, "error", err)
				continue
			}
			logger.Info("blocklist reloaded", "path", path, "domains", s.blockSet.Load().Len())

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("blocklist watcher", "error", err)
		}
	}
}

// ApplyBlocklistFile loads a domain-list file once and applies it to
// the server, keeping the static config domains blocked too.
func ApplyBlocklistFile(s *Server, path string) error {
	return reloadBlocklist(s, path)
}

// reloadBlocklist replaces the active set with the file contents plus
// the static domains from the configuration, which always stay blocked.
func reloadBlocklist(s *Server, path string) error {
	domains, err := LoadDomainFile(path)
	if err != nil {
		return err
	}
	static := s.GetConfig().Blocklist.Domains
	merged := make([]string, 0, len(static)+len(domains))
	merged = append(merged, static...)
	merged = append(merged, domains...)
	s.UpdateBlockedDomains(merged)
	return nil
}

// SIGHUPReloader re-reads the blocklist file on SIGHUP. Call Cancel to
// stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that reloads the given blocklist file
// into the server on each SIGHUP.
func WatchSIGHUP(s *Server, path string, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading blocklist")
				if err := reloadBlocklist(s, path); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("blocklist reloaded", "domains", s.blockSet.Load().Len())
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
