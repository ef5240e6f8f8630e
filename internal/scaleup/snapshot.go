// Package scaleup implements the tick loop that ensures a server
// exists for every queued CI job: derive a RunnerSpec from the job's
// labels, decide among create/recycle/evict, then drive the chosen
// server through its bootstrap pipeline.
//
// Grounded on original_source/testflows/github/hetzner/runners/scale_up.py's
// per-tick "list jobs, list servers, decide, dispatch" structure.
package scaleup

import (
	"github.com/runnerscale/controller/internal/model"
	"github.com/runnerscale/controller/internal/recycle"
)

// Snapshot is every piece of state a tick's decisions are made from,
// captured once at tick start so selection is deterministic given the
// same snapshot (spec §4.2's ordering guarantee).
type Snapshot struct {
	Jobs     []model.Job
	Servers  []model.Server
	Runners  []model.Runner
	Pool     *recycle.Pool
	standbys map[string]model.Server // extra_labels_key -> a ready standby server
}

// BuildSnapshot indexes servers into a recycle pool from those with
// role=recycle and status=off, and separately indexes running,
// runner-online standby servers by their extra_labels_key so a
// matching queued job can promote one instead of creating or
// recycling.
func BuildSnapshot(jobs []model.Job, servers []model.Server, runners []model.Runner) Snapshot {
	onlineRunner := make(map[string]bool, len(runners))
	for _, r := range runners {
		onlineRunner[r.Name] = r.Status == model.RunnerOnline
	}

	var recyclable []model.Server
	standbys := make(map[string]model.Server)
	for _, s := range servers {
		switch s.Role() {
		case model.RoleRecycle:
			if s.Status == model.ServerOff {
				recyclable = append(recyclable, s)
			}
		case model.RoleStandby:
			if s.Status == model.ServerRunning && onlineRunner[s.Name] {
				key := s.Labels["extra_labels_key"]
				if _, taken := standbys[key]; !taken {
					standbys[key] = s
				}
			}
		}
	}
	return Snapshot{
		Jobs:     jobs,
		Servers:  servers,
		Runners:  runners,
		Pool:     recycle.Build(recyclable),
		standbys: standbys,
	}
}

// MatchStandby returns a ready standby server tagged with the given
// extra_labels_key, if one exists.
func (s Snapshot) MatchStandby(extraLabelsKey string) (model.Server, bool) {
	srv, ok := s.standbys[extraLabelsKey]
	return srv, ok
}

// RemoveStandby drops the entry for extraLabelsKey from the standby
// index so a single tick
// never promotes the same standby server twice.
func (s Snapshot) RemoveStandby(extraLabelsKey string) {
	delete(s.standbys, extraLabelsKey)
}

// ServerByName returns the server with the given name, if any.
func (s Snapshot) ServerByName(name string) (model.Server, bool) {
	for _, srv := range s.Servers {
		if srv.Name == name {
			return srv, true
		}
	}
	return model.Server{}, false
}

// ServerCount returns the number of controller-owned servers, used to
// enforce max_runners.
func (s Snapshot) ServerCount() int {
	return len(s.Servers)
}

// CountForLabels returns the number of servers in the snapshot, of any
// role (standby servers included), whose extra_labels_key cloud-side
// label equals labelSetKey, used to enforce max_runners_for_label. The
// key is the extra label set recorded at creation time, lowercased,
// sorted and comma-joined.
func (s Snapshot) CountForLabels(labelSetKey string) int {
	count := 0
	for _, srv := range s.Servers {
		if srv.Labels["extra_labels_key"] == labelSetKey {
			count++
		}
	}
	return count
}
