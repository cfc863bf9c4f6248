// Package volretention prunes old backups from the local target, keeping the
// newest N backup directories per volume.
package volretention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-volback/pkg/metafile"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
	"github.com/paulschiretz/pgl-volback/pkg/runmetrics"
	"github.com/paulschiretz/pgl-volback/pkg/transfer"
	"github.com/paulschiretz/pgl-volback/pkg/util"
)

// Plan holds the immutable retention settings for a run.
type Plan struct {
	TargetDir string
	Keep      int // number of backups to retain per volume, must be >= 1
	DryRun    bool
}

// backup is one dated backup directory found under a volume's directory.
type backup struct {
	path      string
	timestamp time.Time
}

// Pruner removes backup directories that fall outside the retention window.
type Pruner struct {
	metrics runmetrics.Metrics
}

// NewPruner creates a Pruner reporting into the given metrics.
func NewPruner(metrics runmetrics.Metrics) *Pruner {
	return &Pruner{metrics: metrics}
}

// PruneVolume prunes the backup directory of a single volume, keeping the
// plan's newest Keep backups. A directory named excludeDir (usually the run
// that is currently being written) is never counted or removed. Returns the
// number of backups pruned.
func (p *Pruner) PruneVolume(volume string, excludeDir string, plan *Plan) (int, error) {
	if plan.Keep < 1 {
		return 0, fmt.Errorf("retention keep count must be at least 1, got %d", plan.Keep)
	}

	volumeDir := filepath.Join(plan.TargetDir, util.SanitizeName(volume))
	backups, err := listBackups(volumeDir, excludeDir)
	if err != nil {
		return 0, err
	}
	if len(backups) <= plan.Keep {
		return 0, nil
	}

	// Newest first; everything past the keep window goes.
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].timestamp.After(backups[j].timestamp)
	})

	pruned := 0
	for _, old := range backups[plan.Keep:] {
		if plan.DryRun {
			plog.Info("[Dry-Run] Would prune backup", "volume", volume, "path", old.path)
			pruned++
			continue
		}
		if err := os.RemoveAll(old.path); err != nil {
			return pruned, fmt.Errorf("could not prune backup %s: %w", old.path, err)
		}
		plog.Info("Pruned backup", "volume", volume, "path", old.path, "timestamp", old.timestamp)
		pruned++
	}
	p.metrics.AddBackupsPruned(int64(pruned))
	return pruned, nil
}

// PruneTarget prunes every volume directory found under the target. Used by
// the standalone prune action, which has no live run to exclude.
func (p *Pruner) PruneTarget(plan *Plan) (int, error) {
	entries, err := os.ReadDir(plan.TargetDir)
	if err != nil {
		return 0, fmt.Errorf("could not read backup target %s: %w", plan.TargetDir, err)
	}

	total := 0
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		pruned, err := p.PruneVolume(entry.Name(), "", plan)
		if err != nil {
			return total, err
		}
		total += pruned
	}
	return total, nil
}

// listBackups collects the dated backup directories under volumeDir. The
// timestamp comes from the metadata file; directories whose metadata is
// missing or corrupt fall back to the timestamp encoded in their name so
// that half-written backups still age out.
func listBackups(volumeDir string, excludeDir string) ([]backup, error) {
	entries, err := os.ReadDir(volumeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read volume directory %s: %w", volumeDir, err)
	}

	var backups []backup
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, transfer.BackupDirPrefix) {
			continue
		}
		if excludeDir != "" && name == excludeDir {
			continue
		}

		path := filepath.Join(volumeDir, name)
		timestamp, ok := backupTimestamp(path, name)
		if !ok {
			plog.Warn("Skipping directory with undecodable timestamp", "path", path)
			continue
		}
		backups = append(backups, backup{path: path, timestamp: timestamp})
	}
	return backups, nil
}

func backupTimestamp(path string, name string) (time.Time, bool) {
	if meta, err := metafile.Read(path); err == nil {
		return meta.TimestampUTC, true
	}
	raw := strings.TrimPrefix(name, transfer.BackupDirPrefix)
	if ts, err := time.Parse("2006-01-02_15-04-05", raw); err == nil {
		return ts, true
	}
	return time.Time{}, false
}
