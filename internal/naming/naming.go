// Package naming encodes and decodes controller-owned server names.
// A server's name is the single join key between the CI provider's
// job queue and the cloud's server inventory:
//
//	active:     {prefix}-{run_id}-{job_id}
//	recyclable: {prefix}-recycle-{uid}
//	standby:    {prefix}-standby-{group}-{uid}
//
// A name matching {prefix}-* is controller-owned; anything else is
// invisible to the controller.
package naming

import (
	"fmt"
	"strconv"
	"strings"
)

// Namer builds and parses server names under a fixed prefix.
type Namer struct {
	prefix string
}

// New returns a Namer for the given controller name prefix.
func New(prefix string) *Namer {
	return &Namer{prefix: prefix}
}

// Active returns the deterministic name of the active server for a job.
func (n *Namer) Active(runID, jobID int64) string {
	return fmt.Sprintf("%s-%d-%d", n.prefix, runID, jobID)
}

// Recycle returns the name a powered-off active server is renamed to
// when marked recyclable. uid must preserve creation order.
func (n *Namer) Recycle(uid uint64) string {
	return fmt.Sprintf("%s-recycle-%d", n.prefix, uid)
}

// Standby returns the name of the uid'th server in a standby group.
func (n *Namer) Standby(group string, uid uint64) string {
	return fmt.Sprintf("%s-standby-%s-%d", n.prefix, group, uid)
}

// Owned reports whether name is controller-owned, i.e. matches
// {prefix}-*.
func (n *Namer) Owned(name string) bool {
	return strings.HasPrefix(name, n.prefix+"-")
}

// Role classifies an owned name into active/recycle/standby, along
// with the decoded identity where applicable.
type Role struct {
	Kind  Kind
	RunID int64 // Kind == Active
	JobID int64 // Kind == Active
	UID   uint64 // Kind == Recycle or Standby
	Group string // Kind == Standby
}

// Kind enumerates the roles a controller-owned name can encode.
type Kind int

const (
	KindUnknown Kind = iota
	KindActive
	KindRecycle
	KindStandby
)

// Parse decodes an owned name into its Role. It returns KindUnknown if
// name is not controller-owned or does not match a known shape.
func (n *Namer) Parse(name string) Role {
	if !n.Owned(name) {
		return Role{Kind: KindUnknown}
	}

	rest := strings.TrimPrefix(name, n.prefix+"-")

	if uid, ok := parseUintSuffix(rest, "recycle-"); ok {
		return Role{Kind: KindRecycle, UID: uid}
	}

	if strings.HasPrefix(rest, "standby-") {
		body := strings.TrimPrefix(rest, "standby-")
		idx := strings.LastIndex(body, "-")
		if idx > 0 && idx < len(body)-1 {
			group := body[:idx]
			if uid, err := strconv.ParseUint(body[idx+1:], 10, 64); err == nil {
				return Role{Kind: KindStandby, Group: group, UID: uid}
			}
		}
		return Role{Kind: KindUnknown}
	}

	parts := strings.SplitN(rest, "-", 2)
	if len(parts) == 2 {
		runID, err1 := strconv.ParseInt(parts[0], 10, 64)
		jobID, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 == nil && err2 == nil {
			return Role{Kind: KindActive, RunID: runID, JobID: jobID}
		}
	}

	return Role{Kind: KindUnknown}
}

func parseUintSuffix(rest, prefix string) (uint64, bool) {
	if !strings.HasPrefix(rest, prefix) {
		return 0, false
	}
	uid, err := strconv.ParseUint(strings.TrimPrefix(rest, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return uid, true
}
