package cloudapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/runnerscale/controller/internal/model"
)

// Fake is an in-memory Cloud implementation for tests, grounded on the
// mockProvider pattern in controller_test.go.
type Fake struct {
	mu          sync.Mutex
	servers     map[string]Server
	serverTypes []ServerType
	locations   []Location
	images      []Image
	sshKeys     []SSHKey
	prices      []Price
	nextID      int64
	now         func() time.Time
}

// NewFake returns an empty Fake cloud. now, if nil, defaults to
// time.Now.
func NewFake(now func() time.Time) *Fake {
	if now == nil {
		now = time.Now
	}
	return &Fake{servers: map[string]Server{}, now: now}
}

func (f *Fake) SeedServerTypes(types ...ServerType) { f.serverTypes = types }
func (f *Fake) SeedLocations(locs ...Location)      { f.locations = locs }
func (f *Fake) SeedImages(images ...Image)          { f.images = images }
func (f *Fake) SeedSSHKeys(keys ...SSHKey)          { f.sshKeys = keys }
func (f *Fake) SeedPrices(prices ...Price)          { f.prices = prices }

// PutServer inserts or overwrites a server directly, bypassing
// CreateServer's name-collision check. Useful for seeding recyclable
// or standby fixtures.
func (f *Fake) PutServer(s Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == 0 {
		f.nextID++
		s.ID = f.nextID
	}
	if s.Labels == nil {
		s.Labels = map[string]string{}
	}
	f.servers[s.Name] = s
}

func (f *Fake) ListServers(ctx context.Context) ([]Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Server, 0, len(f.servers))
	for _, s := range f.servers {
		out = append(out, s)
	}
	return out, nil
}

func (f *Fake) CreateServer(ctx context.Context, req CreateServerRequest) (Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.servers[req.Name]; exists {
		return Server{}, fmt.Errorf("%w: %s", model.ErrNameCollision, req.Name)
	}

	f.nextID++
	s := Server{
		ID:         f.nextID,
		Name:       req.Name,
		Status:     StatusStarting,
		ServerType: req.ServerType,
		Location:   req.Location,
		Image:      req.Image,
		PublicIPv4: fmt.Sprintf("10.0.0.%d", f.nextID%250+1),
		CreatedAt:  f.now(),
		Labels:     req.Labels,
		SSHKeyIDs:  req.SSHKeyIDs,
	}
	f.servers[s.Name] = s
	return s, nil
}

func (f *Fake) DeleteServer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.servers, name)
	return nil
}

func (f *Fake) RenameServer(ctx context.Context, name, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[name]
	if !ok {
		return fmt.Errorf("server %s not found", name)
	}
	if _, exists := f.servers[newName]; exists {
		return fmt.Errorf("%w: %s", model.ErrNameCollision, newName)
	}
	delete(f.servers, name)
	s.Name = newName
	f.servers[newName] = s
	return nil
}

func (f *Fake) RebuildServer(ctx context.Context, name, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[name]
	if !ok {
		return fmt.Errorf("server %s not found", name)
	}
	s.Image = image
	s.Status = StatusStarting
	f.servers[name] = s
	return nil
}

func (f *Fake) PowerOffServer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[name]
	if !ok {
		return fmt.Errorf("server %s not found", name)
	}
	s.Status = StatusOff
	f.servers[name] = s
	return nil
}

func (f *Fake) SetLabels(ctx context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[name]
	if !ok {
		return fmt.Errorf("server %s not found", name)
	}
	s.Labels = labels
	f.servers[name] = s
	return nil
}

// SetStatus is a test helper to force a server's status.
func (f *Fake) SetStatus(name string, status ServerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[name]
	if !ok {
		return
	}
	s.Status = status
	f.servers[name] = s
}

func (f *Fake) ListServerTypes(ctx context.Context) ([]ServerType, error) { return f.serverTypes, nil }
func (f *Fake) ListLocations(ctx context.Context) ([]Location, error)     { return f.locations, nil }
func (f *Fake) ListImages(ctx context.Context) ([]Image, error)           { return f.images, nil }
func (f *Fake) ListSSHKeys(ctx context.Context) ([]SSHKey, error)         { return f.sshKeys, nil }
func (f *Fake) ListPrices(ctx context.Context) ([]Price, error)           { return f.prices, nil }
