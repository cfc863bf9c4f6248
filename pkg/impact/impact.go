// Package impact determines which containers hold each backup volume open.
//
// The analysis is read-only and deliberately forgiving: a query that fails in
// one scope degrades to "no containers found from that source" instead of
// aborting the run, because a partially blind analysis still lets the
// operator back up everything the reachable daemons report.
package impact

import (
	"context"

	"github.com/paulschiretz/pgl-volback/pkg/docker"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
)

// ContainerRef is one container referencing one volume.
type ContainerRef struct {
	Name      string
	Status    docker.Status
	RawStatus string
	MountPath string
	Volume    string
	Scope     docker.Scope // where the container was first seen; lifecycle ops reuse it
}

// Record maps each volume to the ordered, name-deduplicated set of containers
// referencing it. Ordering is insertion order and drives stop order.
type Record struct {
	volumes []string
	refs    map[string][]ContainerRef
}

// Volumes returns the analyzed volumes in input order.
func (r *Record) Volumes() []string {
	return r.volumes
}

// Refs returns the containers referencing a volume, deduplicated by name.
func (r *Record) Refs(volume string) []ContainerRef {
	return r.refs[volume]
}

// RunningNames returns the distinct names of running containers across all
// volumes, in first-seen order. This is the set the stop phase acts on, and
// the count the consent gate decides on; both must come from here so the two
// phases never act on diverging views.
func (r *Record) RunningNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, volume := range r.volumes {
		for _, ref := range r.refs[volume] {
			if ref.Status != docker.StatusRunning {
				continue
			}
			if _, ok := seen[ref.Name]; ok {
				continue
			}
			seen[ref.Name] = struct{}{}
			names = append(names, ref.Name)
		}
	}
	return names
}

// RunningCount returns the number of distinct running containers.
func (r *Record) RunningCount() int {
	return len(r.RunningNames())
}

// RunningRef returns the ref the stop phase should act on for a container
// name. A name can carry different statuses across volumes when the state
// changed between per-volume queries; the running ref wins so the stop phase
// sees the same view the consent count was built from. The first-seen ref is
// the fallback when none is running. The bool result is false when the name
// is unknown.
func (r *Record) RunningRef(name string) (ContainerRef, bool) {
	var first *ContainerRef
	for _, volume := range r.volumes {
		for _, ref := range r.refs[volume] {
			if ref.Name != name {
				continue
			}
			if ref.Status == docker.StatusRunning {
				return ref, true
			}
			if first == nil {
				first = &ref
			}
		}
	}
	if first != nil {
		return *first, true
	}
	return ContainerRef{}, false
}

// Donor returns a stopped-or-stoppable container that mounts the volume,
// preferred as the read path for the archive step. The bool result is false
// when no container mounts the volume.
func (r *Record) Donor(volume string) (ContainerRef, bool) {
	refs := r.refs[volume]
	if len(refs) == 0 {
		return ContainerRef{}, false
	}
	return refs[0], true
}

// Analyzer builds impact records from daemon queries.
type Analyzer struct {
	client *docker.Client

	// FallbackMountPath is substituted when an inspect cannot resolve where a
	// container mounts a volume. Only used for logging and archive hints, so
	// a default is acceptable.
	FallbackMountPath string
}

// NewAnalyzer creates an Analyzer on top of the query facade.
func NewAnalyzer(client *docker.Client, fallbackMountPath string) *Analyzer {
	if fallbackMountPath == "" {
		fallbackMountPath = "/data"
	}
	return &Analyzer{client: client, FallbackMountPath: fallbackMountPath}
}

// Analyze queries every scope with both matching strategies for each volume
// and merges the results. It never returns an error: per-source failures are
// logged and degrade to empty results.
func (a *Analyzer) Analyze(ctx context.Context, volumes []string) *Record {
	record := &Record{refs: make(map[string][]ContainerRef)}

	for _, volume := range volumes {
		record.volumes = append(record.volumes, volume)
		seen := make(map[string]struct{})

		for _, scope := range a.client.Scopes() {
			entries := a.queryScope(ctx, scope, volume)
			for _, entry := range entries {
				if _, ok := seen[entry.Name]; ok {
					continue // first mount path wins
				}
				seen[entry.Name] = struct{}{}
				record.refs[volume] = append(record.refs[volume], ContainerRef{
					Name:      entry.Name,
					Status:    entry.Status,
					RawStatus: entry.RawStatus,
					MountPath: a.resolveMountPath(ctx, scope, entry.Name, volume),
					Volume:    volume,
					Scope:     scope,
				})
			}
		}

		plog.Debug("Analyzed volume impact", "volume", volume, "containers", len(record.refs[volume]))
	}

	return record
}

// queryScope merges both matching strategies for one scope. The direct filter
// is authoritative when it works; the mount-substring scan catches the cases
// where the daemon does not report named-volume filters reliably.
func (a *Analyzer) queryScope(ctx context.Context, scope docker.Scope, volume string) []docker.PSEntry {
	var merged []docker.PSEntry
	seen := make(map[string]struct{})

	direct, err := a.client.ContainersUsingVolume(ctx, scope, volume)
	if err != nil {
		plog.Warn("Volume filter query failed, treating as empty", "scope", scope.String(), "volume", volume, "error", err)
	}
	fallback, err := a.client.ContainersWithMountSubstring(ctx, scope, volume)
	if err != nil {
		plog.Warn("Mount scan query failed, treating as empty", "scope", scope.String(), "volume", volume, "error", err)
	}

	for _, entry := range append(direct, fallback...) {
		if _, ok := seen[entry.Name]; ok {
			continue
		}
		seen[entry.Name] = struct{}{}
		merged = append(merged, entry)
	}
	return merged
}

func (a *Analyzer) resolveMountPath(ctx context.Context, scope docker.Scope, container, volume string) string {
	path, err := a.client.MountPath(ctx, scope, container, volume)
	if err != nil {
		plog.Warn("Mount path lookup failed, using fallback", "container", container, "volume", volume, "fallback", a.FallbackMountPath, "error", err)
		return a.FallbackMountPath
	}
	if path == "" {
		return a.FallbackMountPath
	}
	return path
}
