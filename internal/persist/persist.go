/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package persist implements the Persistor (C11): load-on-start parsing of
// the line-oriented route state file and periodic atomic temp-then-rename
// writes. Grounded on original_source/src/service/RouteController.cpp's
// SaveRoutesToFile/LoadRoutesFromFile for the exact line format, and on
// PascalMinder-geoblock's cachePersistence.go for the Go-idiomatic
// load-then-reinstall-then-serialize shape. Atomic writes use
// google/renameio, the teacher's own dependency for this concern.
package persist

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/routermgr/routerd/internal/rlog"
	"github.com/routermgr/routerd/internal/routetable"
)

// WriteInterval is the Persistor's dirty-check cadence (spec.md §4.7).
const WriteInterval = 60 * time.Second

const fileVersion = 3

const preloadProcessPrefix = "Preload-"

// Persistor owns the on-disk route state file.
type Persistor struct {
	log  *rlog.Logger
	path string

	table     *routetable.Table
	installer *routetable.Installer

	mtx          sync.Mutex
	lastSaveUnix int64

	stop chan struct{}
	done chan struct{}
}

// New builds a Persistor that reads from and writes to path.
func New(log *rlog.Logger, path string, table *routetable.Table, installer *routetable.Installer) *Persistor {
	if log == nil {
		log = rlog.NewDiscard()
	}
	return &Persistor{
		log:       log,
		path:      path,
		table:     table,
		installer: installer,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// loadedRow is one parsed `route=` line before reinstallation.
type loadedRow struct {
	ip          string
	process     string
	createdUnix int64
	prefixLen   int
	gateway     string
}

// Load parses the state file (if present) and replays every non-preload
// row through the Installer and into the Table. When the file's gateway
// header disagrees with liveGateway, each row is first uninstalled against
// its recorded gateway and is then installed and recorded against
// liveGateway.
func (p *Persistor) Load(liveGateway string) error {
	f, err := os.Open(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var fileGateway string
	var rows []loadedRow

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "gateway="):
			fileGateway = strings.TrimPrefix(line, "gateway=")
		case strings.HasPrefix(line, "version="), strings.HasPrefix(line, "timestamp="):
			// informational only
		case strings.HasPrefix(line, "route="):
			row, ok := parseRouteLine(strings.TrimPrefix(line, "route="))
			if !ok {
				p.log.Warn("persist: skipping malformed route line", p.log.KV("line", line))
				continue
			}
			if strings.HasPrefix(row.process, preloadProcessPrefix) {
				continue
			}
			rows = append(rows, row)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	migrate := fileGateway != "" && liveGateway != "" && fileGateway != liveGateway

	for _, row := range rows {
		gw := row.gateway
		if migrate {
			if p.installer != nil && row.gateway != "" {
				if err := p.installer.UninstallWithGateway(row.ip, row.prefixLen, row.gateway); err != nil {
					p.log.Warn("persist: uninstall against old gateway failed", p.log.KV("ip", row.ip), p.log.KVErr(err))
				}
			}
			gw = liveGateway
		}
		createdAt := time.Unix(row.createdUnix, 0)
		if _, err := p.table.Restore(row.ip, row.prefixLen, row.process, gw, createdAt); err != nil {
			p.log.Warn("persist: failed to reinstall saved route", p.log.KV("ip", row.ip), p.log.KVErr(err))
		}
	}
	return nil
}

func parseRouteLine(s string) (loadedRow, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 5 {
		return loadedRow{}, false
	}
	created, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return loadedRow{}, false
	}
	prefix, err := strconv.Atoi(parts[3])
	if err != nil {
		return loadedRow{}, false
	}
	return loadedRow{
		ip:          parts[0],
		process:     parts[1],
		createdUnix: created,
		prefixLen:   prefix,
		gateway:     parts[4],
	}, true
}

// Run drives the periodic dirty-check write loop until ctx is canceled, Stop
// is called, or stopCh is closed (whichever fires first), performing one
// final synchronous write on the way out.
func (p *Persistor) Run(ctx context.Context, stopCh <-chan struct{}) {
	defer close(p.done)
	t := time.NewTicker(WriteInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.WriteIfDirty()
			return
		case <-stopCh:
			p.WriteIfDirty()
			return
		case <-p.stop:
			p.WriteIfDirty()
			return
		case <-t.C:
			p.WriteIfDirty()
		}
	}
}

// Stop signals Run to perform one final synchronous write and exit.
func (p *Persistor) Stop() {
	close(p.stop)
	<-p.done
}

// WriteIfDirty writes the state file iff the Table's dirty bit is set.
func (p *Persistor) WriteIfDirty() {
	if !p.table.Dirty() {
		return
	}
	if err := p.writeNow(); err != nil {
		p.log.Error("persist: write failed", p.log.KVErr(err))
		return
	}
	p.table.ClearDirty()
}

func (p *Persistor) writeNow() error {
	snapshot := p.table.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "version=%d\n", fileVersion)
	fmt.Fprintf(&b, "timestamp=%d\n", time.Now().Unix())
	if p.installer != nil {
		fmt.Fprintf(&b, "gateway=%s\n", p.installer.Gateway())
	}
	for _, e := range snapshot {
		fmt.Fprintf(&b, "route=%s,%s,%d,%d,%s\n", e.IP, e.ProcessName, e.CreatedAt.Unix(), e.PrefixLen, e.Gateway)
	}

	if err := renameio.WriteFile(p.path, []byte(b.String()), 0o644); err != nil {
		return err
	}

	p.mtx.Lock()
	p.lastSaveUnix = time.Now().Unix()
	p.mtx.Unlock()
	return nil
}

// LastSaveUnix returns the unix timestamp of the last successful write, for
// the IPC GetStatus call.
func (p *Persistor) LastSaveUnix() int64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.lastSaveUnix
}
