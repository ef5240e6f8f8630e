// Package cloudapi is a typed wrapper over the IaaS cloud's server
// lifecycle, catalog, and pricing surface: servers, images, locations,
// server types, SSH keys, and prices.
//
// Grounded on internal/provider/ec2/ec2.go and
// internal/provider/docker/docker.go: the teacher never talks to its
// two clouds over hand-rolled HTTP, it drives a real generated/official
// SDK (aws-sdk-go-v2, docker/docker) and translates the SDK's types at
// the package boundary into its own provider-neutral shapes. This
// package does the same for the one cloud this system targets,
// wrapping github.com/hetznercloud/hcloud-go/v2/hcloud instead of
// reimplementing its REST surface over net/http.
package cloudapi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/runnerscale/controller/internal/model"
)

// Cloud is the capability set the core depends on. A provider-neutral
// interface, per design note in spec §9, so the core can be tested
// against a fake.
type Cloud interface {
	ListServers(ctx context.Context) ([]Server, error)
	CreateServer(ctx context.Context, req CreateServerRequest) (Server, error)
	DeleteServer(ctx context.Context, name string) error
	RenameServer(ctx context.Context, name, newName string) error
	RebuildServer(ctx context.Context, name, image string) error
	PowerOffServer(ctx context.Context, name string) error
	SetLabels(ctx context.Context, name string, labels map[string]string) error

	ListServerTypes(ctx context.Context) ([]ServerType, error)
	ListLocations(ctx context.Context) ([]Location, error)
	ListImages(ctx context.Context) ([]Image, error)
	ListSSHKeys(ctx context.Context) ([]SSHKey, error)
	ListPrices(ctx context.Context) ([]Price, error)
}

// Catalog is the read-only subset of Cloud the label parser validates
// against.
type Catalog interface {
	HasServerType(name string) bool
	HasLocation(name string) bool
	HasImage(idOrName string) bool
	ImageByName(name, arch string) (string, bool)
	ImageByDescription(desc, arch, kind string) (string, bool)
}

// Client is the hcloud-go-backed Cloud implementation.
type Client struct {
	hc     *hcloud.Client
	logger *slog.Logger
}

// New returns a Client authenticating with token against baseURL. An
// empty baseURL uses hcloud-go's built-in production endpoint.
func New(token, baseURL string, logger *slog.Logger) *Client {
	opts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithPollBackoffFunc(hcloud.ConstantBackoff(500 * time.Millisecond)),
	}
	if baseURL != "" {
		opts = append(opts, hcloud.WithEndpoint(baseURL))
	}
	return &Client{
		hc:     hcloud.NewClient(opts...),
		logger: logger.With("component", "cloudapi"),
	}
}

// serverByName resolves a server's numeric handle from the name the
// rest of the system uses as its identity, since hcloud-go's mutating
// calls all take a *hcloud.Server.
func (c *Client) serverByName(ctx context.Context, name string) (*hcloud.Server, error) {
	s, _, err := c.hc.Server.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("look up server %s: %w", name, err)
	}
	if s == nil {
		return nil, fmt.Errorf("server %s not found", name)
	}
	return s, nil
}

func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	servers, err := c.hc.Server.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	out := make([]Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, serverFromSDK(s))
	}
	return out, nil
}

func (c *Client) CreateServer(ctx context.Context, req CreateServerRequest) (Server, error) {
	opts := hcloud.ServerCreateOpts{
		Name:       req.Name,
		ServerType: &hcloud.ServerType{Name: req.ServerType},
		Image:      &hcloud.Image{Name: req.Image},
		Labels:     req.Labels,
		UserData:   req.UserData,
	}
	if req.Location != "" {
		opts.Location = &hcloud.Location{Name: req.Location}
	}
	for _, id := range req.SSHKeyIDs {
		opts.SSHKeys = append(opts.SSHKeys, &hcloud.SSHKey{ID: id})
	}

	result, _, err := c.hc.Server.Create(ctx, opts)
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeUniquenessError) {
			return Server{}, fmt.Errorf("%w: server %s", model.ErrNameCollision, req.Name)
		}
		return Server{}, fmt.Errorf("create server %s: %w", req.Name, err)
	}
	if result.Action != nil {
		if err := c.hc.Action.WaitFor(ctx, result.Action); err != nil {
			return Server{}, fmt.Errorf("wait for server %s creation: %w", req.Name, err)
		}
	}
	created := serverFromSDK(result.Server)
	created.SSHKeyIDs = req.SSHKeyIDs
	return created, nil
}

func (c *Client) DeleteServer(ctx context.Context, name string) error {
	s, err := c.serverByName(ctx, name)
	if err != nil {
		return err
	}
	result, _, err := c.hc.Server.DeleteWithResult(ctx, s)
	if err != nil {
		return fmt.Errorf("delete server %s: %w", name, err)
	}
	if result.Action != nil {
		if err := c.hc.Action.WaitFor(ctx, result.Action); err != nil {
			return fmt.Errorf("wait for server %s deletion: %w", name, err)
		}
	}
	return nil
}

func (c *Client) RenameServer(ctx context.Context, name, newName string) error {
	s, err := c.serverByName(ctx, name)
	if err != nil {
		return err
	}
	if _, _, err := c.hc.Server.Update(ctx, s, hcloud.ServerUpdateOpts{Name: newName}); err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeUniquenessError) {
			return fmt.Errorf("%w: server %s", model.ErrNameCollision, newName)
		}
		return fmt.Errorf("rename server %s to %s: %w", name, newName, err)
	}
	return nil
}

func (c *Client) RebuildServer(ctx context.Context, name, image string) error {
	s, err := c.serverByName(ctx, name)
	if err != nil {
		return err
	}
	result, _, err := c.hc.Server.RebuildWithResult(ctx, s, hcloud.ServerRebuildOpts{Image: &hcloud.Image{Name: image}})
	if err != nil {
		return fmt.Errorf("rebuild server %s: %w", name, err)
	}
	if result.Action != nil {
		if err := c.hc.Action.WaitFor(ctx, result.Action); err != nil {
			return fmt.Errorf("wait for server %s rebuild: %w", name, err)
		}
	}
	return nil
}

func (c *Client) PowerOffServer(ctx context.Context, name string) error {
	s, err := c.serverByName(ctx, name)
	if err != nil {
		return err
	}
	action, _, err := c.hc.Server.Poweroff(ctx, s)
	if err != nil {
		return fmt.Errorf("power off server %s: %w", name, err)
	}
	if action != nil {
		if err := c.hc.Action.WaitFor(ctx, action); err != nil {
			return fmt.Errorf("wait for server %s power-off: %w", name, err)
		}
	}
	return nil
}

func (c *Client) SetLabels(ctx context.Context, name string, labels map[string]string) error {
	s, err := c.serverByName(ctx, name)
	if err != nil {
		return err
	}
	if _, _, err := c.hc.Server.Update(ctx, s, hcloud.ServerUpdateOpts{Labels: labels}); err != nil {
		return fmt.Errorf("set labels on server %s: %w", name, err)
	}
	return nil
}

func (c *Client) ListServerTypes(ctx context.Context) ([]ServerType, error) {
	types, err := c.hc.ServerType.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list server types: %w", err)
	}
	out := make([]ServerType, 0, len(types))
	for _, t := range types {
		out = append(out, ServerType{
			Name:   t.Name,
			Cores:  t.Cores,
			Memory: float64(t.Memory),
			Disk:   t.Disk,
		})
	}
	return out, nil
}

func (c *Client) ListLocations(ctx context.Context) ([]Location, error) {
	locations, err := c.hc.Location.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	out := make([]Location, 0, len(locations))
	for _, l := range locations {
		out = append(out, Location{Name: l.Name, Country: l.Country, City: l.City})
	}
	return out, nil
}

func (c *Client) ListImages(ctx context.Context) ([]Image, error) {
	images, err := c.hc.Image.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	out := make([]Image, 0, len(images))
	for _, img := range images {
		out = append(out, Image{
			ID:          strconv.FormatInt(img.ID, 10),
			Name:        img.Name,
			Description: img.Description,
			Kind:        ImageKind(img.Type),
			Arch:        string(img.Architecture),
		})
	}
	return out, nil
}

func (c *Client) ListSSHKeys(ctx context.Context) ([]SSHKey, error) {
	keys, err := c.hc.SSHKey.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ssh keys: %w", err)
	}
	out := make([]SSHKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, SSHKey{ID: k.ID, Name: k.Name, Fingerprint: k.Fingerprint})
	}
	return out, nil
}

func (c *Client) ListPrices(ctx context.Context) ([]Price, error) {
	pricing, _, err := c.hc.Pricing.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	var out []Price
	for _, st := range pricing.ServerTypes {
		for _, loc := range st.Pricings {
			hourly, err := strconv.ParseFloat(loc.Hourly.Net, 64)
			if err != nil {
				c.logger.Warn("unparsable hourly price", "server_type", st.ServerType.Name, "location", loc.Location.Name, "error", err)
				continue
			}
			out = append(out, Price{
				ServerType:   st.ServerType.Name,
				Location:     loc.Location.Name,
				PricePerHour: hourly,
			})
		}
	}
	return out, nil
}

func serverFromSDK(s *hcloud.Server) Server {
	var location string
	if s.Datacenter != nil && s.Datacenter.Location != nil {
		location = s.Datacenter.Location.Name
	}
	var serverType, image string
	if s.ServerType != nil {
		serverType = s.ServerType.Name
	}
	if s.Image != nil {
		image = s.Image.Name
	}
	var ipv4 string
	if s.PublicNet.IPv4.IP != nil {
		ipv4 = s.PublicNet.IPv4.IP.String()
	}

	return Server{
		ID:         s.ID,
		Name:       s.Name,
		Status:     serverStatusFromSDK(s.Status),
		ServerType: serverType,
		Location:   location,
		Image:      image,
		PublicIPv4: ipv4,
		CreatedAt:  s.Created,
		Labels:     s.Labels,
		// The cloud's server resource never reports which SSH keys it
		// was created with (SSH keys are an install-time detail, not a
		// property of the running server) — SSHKeyIDs is populated by
		// CreateServer's request echo only, same limitation the prior
		// hand-rolled decoder had against this same API shape.
	}
}

var sdkStatusToStatus = map[hcloud.ServerStatus]ServerStatus{
	hcloud.ServerStatusOff:      StatusOff,
	hcloud.ServerStatusStarting: StatusStarting,
	hcloud.ServerStatusRunning:  StatusRunning,
	hcloud.ServerStatusStopping: StatusStopping,
}

func serverStatusFromSDK(s hcloud.ServerStatus) ServerStatus {
	if mapped, ok := sdkStatusToStatus[s]; ok {
		return mapped
	}
	return StatusOff
}
