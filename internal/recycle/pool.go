// Package recycle indexes powered-off controller-owned servers tagged
// recyclable by their match key (server type, image and SSH keys), and implements the eviction policy
// used when a scale-up tick needs a slot that recycling cannot fill.
//
// Grounded on original_source's server.py recycle-pool bookkeeping
// (rebuilt fresh every scale-up tick from cloud state) and its
// unused_budget eviction arithmetic.
package recycle

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/runnerscale/controller/internal/model"
)

// Pool is an in-memory index over recyclable servers, rebuilt fresh
// each scale-up tick. It is never mutated concurrently once built.
type Pool struct {
	byMatchKey map[uint64][]model.Server
}

// Build indexes servers by match key. Only role=recycle, status=off
// servers should be passed in; callers filter before calling Build.
func Build(servers []model.Server) *Pool {
	p := &Pool{byMatchKey: make(map[uint64][]model.Server)}
	for _, s := range servers {
		key := matchKeyOf(s)
		p.byMatchKey[key] = append(p.byMatchKey[key], s)
	}
	return p
}

// matchKeyOf reconstructs the match key a recyclable server was
// created under from its own cloud-side attributes, so the pool can be
// keyed without re-deriving a RunnerSpec.
func matchKeyOf(s model.Server) uint64 {
	spec := model.RunnerSpec{
		ServerType: s.ServerType,
		Image:      s.Image,
		SSHKeyIDs:  s.SSHKeyIDs,
	}
	return spec.MatchKey()
}

// Match returns a recyclable server matching spec exactly on
// server_type, image, and ssh_key_set, plus location — an unspecified
// spec.Location matches any candidate location, a specified one must
// match exactly. Matching a larger server type than requested is never
// performed — the match key is exact, not "at least as big".
func (p *Pool) Match(spec model.RunnerSpec) (model.Server, bool) {
	for _, candidate := range p.byMatchKey[spec.MatchKey()] {
		if spec.Location == "" || spec.Location == candidate.Location {
			return candidate, true
		}
	}
	return model.Server{}, false
}

// Remove drops name from the pool so a single tick never double-uses a
// recyclable server across two decisions.
func (p *Pool) Remove(name string) {
	for key, servers := range p.byMatchKey {
		for i, s := range servers {
			if s.Name == name {
				p.byMatchKey[key] = append(servers[:i], servers[i+1:]...)
				return
			}
		}
	}
}

// All returns every recyclable server currently indexed, for eviction
// selection.
func (p *Pool) All() []model.Server {
	var all []model.Server
	for _, servers := range p.byMatchKey {
		all = append(all, servers...)
	}
	return all
}

// PriceLookup resolves the hourly price for a server_type/location
// pair; missing entries are signaled via ok=false.
type PriceLookup func(serverType, location string) (pricePerHour float64, ok bool)

// Evict selects at most one victim from the pool per the configured
// policy and removes it from the index. now is the tick's reference
// time, used to compute each candidate's minute-in-hour.
func (p *Pool) Evict(deleteRandom bool, prices PriceLookup, now time.Time) (model.Server, bool) {
	candidates := p.All()
	if len(candidates) == 0 {
		return model.Server{}, false
	}

	var victim model.Server
	if deleteRandom {
		victim = candidates[rand.Intn(len(candidates))]
	} else {
		victim = lowestUnusedBudget(candidates, prices, now)
	}

	p.Remove(victim.Name)
	return victim, true
}

func lowestUnusedBudget(candidates []model.Server, prices PriceLookup, now time.Time) model.Server {
	type scored struct {
		server model.Server
		budget float64
	}
	scoredList := make([]scored, 0, len(candidates))
	for _, s := range candidates {
		scoredList = append(scoredList, scored{server: s, budget: unusedBudget(s, prices, now)})
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		if scoredList[i].budget != scoredList[j].budget {
			return scoredList[i].budget < scoredList[j].budget
		}
		return scoredList[i].server.CreatedAt.Before(scoredList[j].server.CreatedAt)
	})
	return scoredList[0].server
}

// unusedBudget computes (60 - minute_in_hour) * price_per_minute. A
// missing price entry is treated as +Inf so a candidate the price
// catalog has no data for is never chosen as the cheapest to evict.
func unusedBudget(s model.Server, prices PriceLookup, now time.Time) float64 {
	pricePerHour, ok := prices(s.ServerType, s.Location)
	if !ok {
		return math.Inf(1)
	}
	pricePerMinute := pricePerHour / 60
	remaining := 60 - model.MinuteInHour(model.Age(s, now))
	return float64(remaining) * pricePerMinute
}
