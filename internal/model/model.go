// Package model defines the shared data types the rest of the
// controller reconciles: observed CI jobs, owned cloud servers,
// observed CI runners, and the runner specs derived from job labels.
package model

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// JobStatus is the lifecycle status of a CI workflow job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
)

// Job is a workflow job observed at the CI provider.
type Job struct {
	RunID         int64
	JobID         int64
	Status        JobStatus
	Labels        []string
	WorkflowRunID int64
}

// Identity returns the (run_id, job_id) pair that uniquely names a job.
func (j Job) Identity() (int64, int64) {
	return j.RunID, j.JobID
}

// LabelSet returns the job's labels as a lowercase set.
func (j Job) LabelSet() map[string]struct{} {
	set := make(map[string]struct{}, len(j.Labels))
	for _, l := range j.Labels {
		set[strings.ToLower(l)] = struct{}{}
	}
	return set
}

// ServerStatus is the lifecycle status of an owned cloud server.
type ServerStatus string

const (
	ServerOff      ServerStatus = "off"
	ServerStarting ServerStatus = "starting"
	ServerRunning  ServerStatus = "running"
	ServerStopping ServerStatus = "stopping"
)

// ServerRole is the role encoded by a controller-owned server's name.
type ServerRole string

const (
	RoleActive   ServerRole = "active"
	RoleRecycle  ServerRole = "recycle"
	RoleStandby  ServerRole = "standby"
)

// Server is a controller-owned cloud server.
type Server struct {
	Name         string
	CloudID      int64
	Status       ServerStatus
	ServerType   string
	Location     string
	Image        string
	PublicIPv4   string
	CreatedAt    time.Time
	Labels       map[string]string
	SSHKeyIDs    []int64
	PriceHourly  float64
}

// Role reports the role a server's cloud-side labels declare it to have.
func (s Server) Role() ServerRole {
	return ServerRole(s.Labels["role"])
}

// RunnerLabelsHash returns the fingerprint the server was created with,
// as recorded in its cloud-side labels.
func (s Server) RunnerLabelsHash() string {
	return s.Labels["runner_labels_hash"]
}

// Age returns how long ago the server was created, relative to now.
func Age(s Server, now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// AgeInHour and MinuteInHour implement the billing-hour arithmetic:
// age_in_hour = floor(age_seconds / 3600); minute_in_hour = (age_seconds % 3600) / 60.
func AgeInHour(age time.Duration) int64 {
	return int64(age.Seconds()) / 3600
}

func MinuteInHour(age time.Duration) int {
	secs := int64(age.Seconds())
	return int((secs % 3600) / 60)
}

// RunnerStatus is the observed status of a self-hosted CI runner.
type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "online"
	RunnerOffline RunnerStatus = "offline"
)

// Runner is a self-hosted runner observed at the CI provider. Its Name
// equals the owning server's Name; this is the join key between the
// two sources of truth.
type Runner struct {
	Name   string
	Status RunnerStatus
	Busy   bool
	Labels []string
}

// RunnerSpec is derived from a job's labels plus controller defaults.
// Two specs built from equivalent inputs must be equal and must
// produce equal fingerprints.
type RunnerSpec struct {
	ServerType         string
	Location           string // empty means "unspecified"
	Image              string
	SetupScriptPath    string
	StartupScriptPath  string
	ExtraLabels        []string
	SSHKeyIDs          []int64
}

// Fingerprint returns a stable hash of the full attribute set a
// created server carries: server_type, location, image, ssh_key_ids.
// This is for observability (log fields), not recycle matching — use
// MatchKey plus an explicit location comparison for that, since an
// unspecified spec location must match any candidate location.
func (s RunnerSpec) Fingerprint() uint64 {
	return hashParts(s.SSHKeyIDs, s.ServerType, s.Location, s.Image)
}

// MatchKey returns a stable hash of the attributes a recycle candidate
// must match regardless of location: server_type, image, ssh_key_ids.
// Callers compare location separately, since spec §4.4 requires
// "location unspecified in spec OR locations equal", not exact-match.
func (s RunnerSpec) MatchKey() uint64 {
	return hashParts(s.SSHKeyIDs, s.ServerType, s.Image)
}

func hashParts(sshKeyIDs []int64, fields ...string) uint64 {
	keys := append([]int64(nil), sshKeyIDs...)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	parts := make([]string, 0, len(keys)+len(fields))
	parts = append(parts, fields...)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d", k))
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(parts, "\x1f")))
	return h.Sum64()
}

// Event is a cross-loop notification carried on the mailbox. Consumers
// must tolerate duplicate or stale events.
type Event struct {
	ID        string
	Kind      EventKind
	ServerName string
	RunID     int64
	JobID     int64
	Message   string
	At        time.Time
}

// EventKind enumerates mailbox event kinds.
type EventKind string

const (
	EventServerReady    EventKind = "server_ready"
	EventServerFailed   EventKind = "server_failed"
	EventServerDeleted  EventKind = "server_deleted"
	EventServerRecycled EventKind = "server_recycled"
)
