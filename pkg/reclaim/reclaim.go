// Package reclaim clears what an unclean shutdown leaves behind in the
// session profile before a new client is launched.
package reclaim

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/sipeed/wabridge/pkg/logger"
)

// LockName is the marker a live client holds in its profile directory.
const LockName = "wabridge.lock"

// DefaultMarkers are the exclusivity markers removed when stale.
var DefaultMarkers = []string{"SingletonLock", "SingletonSocket", "SingletonCookie", LockName}

// ProcessLister finds and signals processes. The default shells out to pgrep.
type ProcessLister interface {
	Find(pattern string) ([]int, error)
	Terminate(pid int) error
}

type Options struct {
	// Dirs are scanned together with their subdirectories, MaxDepth deep.
	Dirs     []string
	Markers  []string
	MaxDepth int

	// ProcessPattern is matched against full command lines. Empty disables
	// orphan termination.
	ProcessPattern string
	Processes      ProcessLister
}

// Report summarizes one reclamation pass.
type Report struct {
	Removed    []string `json:"removed"`
	Held       []string `json:"held"`
	Terminated []int    `json:"terminated"`
	Errors     []string `json:"errors"`
}

type Reclaimer struct {
	opts    Options
	markers map[string]bool
}

func New(opts Options) *Reclaimer {
	if len(opts.Markers) == 0 {
		opts.Markers = DefaultMarkers
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 2
	}
	if opts.Processes == nil {
		opts.Processes = pgrep{}
	}
	markers := make(map[string]bool, len(opts.Markers))
	for _, m := range opts.Markers {
		markers[m] = true
	}
	return &Reclaimer{opts: opts, markers: markers}
}

// Reclaim runs one pass and logs the outcome. It never fails.
func (r *Reclaimer) Reclaim() {
	rep := r.Run()
	fields := map[string]interface{}{
		"removed":    len(rep.Removed),
		"held":       len(rep.Held),
		"terminated": len(rep.Terminated),
	}
	if len(rep.Errors) > 0 {
		fields["errors"] = strings.Join(rep.Errors, "; ")
		logger.WarnCF("reclaim", "Resource reclamation finished with errors", fields)
		return
	}
	logger.DebugCF("reclaim", "Resource reclamation finished", fields)
}

// Run performs the pass and returns what it did.
func (r *Reclaimer) Run() Report {
	var rep Report
	for _, dir := range r.opts.Dirs {
		r.scan(dir, &rep)
	}
	r.terminateOrphans(&rep)
	return rep
}

func (r *Reclaimer) scan(root string, rep *Report) {
	root = filepath.Clean(root)
	base := strings.Count(root, string(os.PathSeparator))

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			rep.Errors = append(rep.Errors, err.Error())
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if strings.Count(path, string(os.PathSeparator))-base >= r.opts.MaxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !r.markers[d.Name()] {
			return nil
		}
		r.removeMarker(path, d, rep)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		rep.Errors = append(rep.Errors, err.Error())
	}
}

// removeMarker deletes symlinks and sockets outright. Regular files are
// deleted only when nobody holds an flock on them.
func (r *Reclaimer) removeMarker(path string, d fs.DirEntry, rep *Report) {
	if d.Type().IsRegular() {
		lock := flock.New(path)
		ok, err := lock.TryLock()
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", path, err))
			return
		}
		if !ok {
			rep.Held = append(rep.Held, path)
			logger.DebugCF("reclaim", "Marker is held by a live process", map[string]interface{}{"path": path})
			return
		}
		defer lock.Unlock()
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", path, err))
		return
	}
	rep.Removed = append(rep.Removed, path)
	logger.InfoCF("reclaim", "Removed stale marker", map[string]interface{}{"path": path})
}

func (r *Reclaimer) terminateOrphans(rep *Report) {
	if r.opts.ProcessPattern == "" {
		return
	}
	pids, err := r.opts.Processes.Find(r.opts.ProcessPattern)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		return
	}
	self, parent := os.Getpid(), os.Getppid()
	for _, pid := range pids {
		if pid == self || pid == parent {
			continue
		}
		if err := r.opts.Processes.Terminate(pid); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("pid %d: %v", pid, err))
			continue
		}
		rep.Terminated = append(rep.Terminated, pid)
		logger.InfoCF("reclaim", "Terminated orphaned process", map[string]interface{}{
			"pid":     pid,
			"pattern": r.opts.ProcessPattern,
		})
	}
}

type pgrep struct{}

func (pgrep) Find(pattern string) ([]int, error) {
	out, err := exec.Command("pgrep", "-f", pattern).Output()
	if err != nil {
		// Exit code 1 means no processes matched.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep failed: %w", err)
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (pgrep) Terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
