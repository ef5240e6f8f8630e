// Package labels translates a job's label set into a model.RunnerSpec:
// server type, image, location, setup/startup scripts, and the meta-label
// expansion described in spec §4.1.
//
// Grounded on the label-scanning helpers in
// testflows/github/hetzner/runners/scale_up.py (get_server_types,
// get_server_locations, get_server_image, get_setup_script,
// get_startup_script, expand_meta_label).
package labels

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/runnerscale/controller/internal/cloudapi"
	"github.com/runnerscale/controller/internal/model"
)

// Defaults are the fallback values used when a reserved-label category
// is absent from a job's labels.
type Defaults struct {
	ServerType string
	Location   string
	Image      string
	ScriptsDir string
	SetupScript   string // e.g. "setup.sh"
	StartupScript string // e.g. "startup-{arch}.sh"
}

// Config controls how labels are parsed.
type Config struct {
	LabelPrefix string
	MetaLabels  map[string][]string
	Defaults    Defaults
	SSHKeyIDs   []int64
}

// Parser derives RunnerSpecs from job labels against a cloud catalog.
type Parser struct {
	cfg     Config
	catalog cloudapi.Catalog
}

// New returns a Parser that validates against the given cloud catalog.
func New(cfg Config, catalog cloudapi.Catalog) *Parser {
	return &Parser{cfg: cfg, catalog: catalog}
}

func (p *Parser) prefixed(category string) string {
	prefix := strings.ToLower(p.cfg.LabelPrefix)
	if prefix != "" && !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}
	return prefix + category
}

// ExpandMeta performs the one-level meta-label expansion described in
// spec §4.1(1): a label equal to a defined meta-label key is replaced
// by its configured list; expansion is not transitive; an expanded
// label that starts with a reserved category (type-/in-) is also
// re-emitted with the label prefix restored so the reserved-category
// scan can see it in the same pass. Raw labels are kept as given, so a
// composite label such as type-cpx21-extra is not split.
func (p *Parser) ExpandMeta(rawLabels []string) []string {
	prefix := strings.ToLower(p.cfg.LabelPrefix)
	if prefix != "" && !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}
	composite := []string{"type-", "in-"}

	seen := make(map[string]struct{})
	var expanded []string
	add := func(l string) {
		if _, ok := seen[l]; ok {
			return
		}
		seen[l] = struct{}{}
		expanded = append(expanded, l)
	}

	for _, raw := range rawLabels {
		l := strings.ToLower(raw)
		add(l)

		body := l
		if prefix != "" && strings.HasPrefix(l, prefix) {
			body = strings.TrimPrefix(l, prefix)
		}

		if extra, ok := p.cfg.MetaLabels[body]; ok {
			for _, e := range extra {
				e = strings.ToLower(e)
				add(e)
				for _, c := range composite {
					if prefix != "" && strings.HasPrefix(e, c) {
						add(prefix + e)
					}
				}
			}
		}
	}

	return expanded
}

// reserved describes one reserved-label category scan.
type reserved struct {
	category string // e.g. "type-"
	values   []string
}

// scanSimpleCategory scans a single-word reserved category (type-,
// in-): the value itself never contains a dash, so a match with one
// (e.g. a composite image-/setup-/startup- label sharing a prefix
// after meta-label expansion) is skipped rather than misread.
func scanSimpleCategory(prefixed string, labels []string) []string {
	var out []string
	for _, l := range labels {
		if !strings.HasPrefix(l, prefixed) {
			continue
		}
		val := strings.TrimPrefix(l, prefixed)
		if strings.Contains(val, "-") {
			continue
		}
		out = append(out, val)
	}
	return out
}

// scanCompositeCategory scans a multi-segment reserved category
// (image-, setup-, startup-), whose value is itself dash-delimited and
// so is taken whole rather than rejected for containing a dash.
func scanCompositeCategory(prefixed string, labels []string) []string {
	var out []string
	for _, l := range labels {
		if !strings.HasPrefix(l, prefixed) {
			continue
		}
		out = append(out, strings.TrimPrefix(l, prefixed))
	}
	return out
}

// Derive builds a RunnerSpec from a job's raw labels, or returns
// model.ErrPrecondition (wrapped with detail) if any reserved label
// fails to resolve against the cloud catalog.
func (p *Parser) Derive(job model.Job) (model.RunnerSpec, []string, error) {
	expanded := p.ExpandMeta(job.Labels)

	typePrefixed := p.prefixed("type-")
	inPrefixed := p.prefixed("in-")
	imagePrefixed := p.prefixed("image-")
	setupPrefixed := p.prefixed("setup-")
	startupPrefixed := p.prefixed("startup-")

	types := scanSimpleCategory(typePrefixed, expanded)
	if len(types) > 1 {
		return model.RunnerSpec{}, nil, fmt.Errorf("%w: more than one type- label: %v", model.ErrPrecondition, types)
	}

	locs := scanSimpleCategory(inPrefixed, expanded)
	if len(locs) > 1 {
		return model.RunnerSpec{}, nil, fmt.Errorf("%w: more than one in- label: %v", model.ErrPrecondition, locs)
	}

	images := scanCompositeCategory(imagePrefixed, expanded)
	if len(images) > 1 {
		return model.RunnerSpec{}, nil, fmt.Errorf("%w: more than one image- label: %v", model.ErrPrecondition, images)
	}

	setups := scanCompositeCategory(setupPrefixed, expanded)
	if len(setups) > 1 {
		return model.RunnerSpec{}, nil, fmt.Errorf("%w: more than one setup- label: %v", model.ErrPrecondition, setups)
	}

	startups := scanCompositeCategory(startupPrefixed, expanded)
	if len(startups) > 1 {
		return model.RunnerSpec{}, nil, fmt.Errorf("%w: more than one startup- label: %v", model.ErrPrecondition, startups)
	}

	serverType := p.cfg.Defaults.ServerType
	if len(types) == 1 {
		serverType = types[0]
	}
	if !p.catalog.HasServerType(serverType) {
		return model.RunnerSpec{}, nil, fmt.Errorf("%w: unknown server type %q", model.ErrPrecondition, serverType)
	}

	location := p.cfg.Defaults.Location
	if len(locs) == 1 {
		location = locs[0]
	}
	if location != "" && !p.catalog.HasLocation(location) {
		return model.RunnerSpec{}, nil, fmt.Errorf("%w: unknown location %q", model.ErrPrecondition, location)
	}

	image := p.cfg.Defaults.Image
	switch {
	case len(images) == 1:
		resolved, err := resolveImage(p.catalog, images[0])
		if err != nil {
			return model.RunnerSpec{}, nil, err
		}
		image = resolved
	case strings.Count(image, ":") == 2:
		// The default_image config value uses "arch:kind:name" shorthand
		// (spec-mandated default "x86:system:ubuntu-22.04"), not an
		// already-resolved image ID/name; resolve it the same way an
		// explicit image- label resolves. A default that isn't in this
		// shorthand is taken as an already-resolved ID/name literal.
		resolved, err := resolveDefaultImage(p.catalog, image)
		if err != nil {
			return model.RunnerSpec{}, nil, err
		}
		image = resolved
	}
	if !p.catalog.HasImage(image) {
		return model.RunnerSpec{}, nil, fmt.Errorf("%w: unknown image %q", model.ErrPrecondition, image)
	}

	setupScript := p.cfg.Defaults.SetupScript
	if len(setups) == 1 {
		setupScript = setups[0] + ".sh"
	}

	startupScript := formatArch(p.cfg.Defaults.StartupScript, serverType)
	if len(startups) == 1 {
		startupScript = startups[0] + ".sh"
	}

	extra := extraLabels(expanded, p.cfg.LabelPrefix)

	spec := model.RunnerSpec{
		ServerType:        serverType,
		Location:          location,
		Image:             image,
		SetupScriptPath:   filepath.Join(p.cfg.Defaults.ScriptsDir, setupScript),
		StartupScriptPath: filepath.Join(p.cfg.Defaults.ScriptsDir, startupScript),
		ExtraLabels:       extra,
		SSHKeyIDs:         p.cfg.SSHKeyIDs,
	}

	return spec, extra, nil
}

// resolveImage parses an "{arch}-{kind}-{name|description}" image
// label (spec §4.1 point 2; name/description may itself contain
// dashes, e.g. "ubuntu-22.04") and resolves it against the catalog:
// system/app images resolve by name, snapshot/backup images resolve by
// description.
func resolveImage(catalog cloudapi.Catalog, raw string) (string, error) {
	arch, kind, name, err := splitImageSpec(raw, "-")
	if err != nil {
		return "", err
	}
	return resolveImageSpec(catalog, arch, kind, name)
}

// resolveDefaultImage parses the colon-delimited "{arch}:{kind}:{name}"
// form used for the configured default image, which is distinct from
// the dash-delimited label grammar resolveImage parses.
func resolveDefaultImage(catalog cloudapi.Catalog, raw string) (string, error) {
	arch, kind, name, err := splitImageSpec(raw, ":")
	if err != nil {
		return "", err
	}
	return resolveImageSpec(catalog, arch, kind, name)
}

func splitImageSpec(raw, sep string) (arch, kind, name string, err error) {
	parts := strings.SplitN(raw, sep, 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: malformed image spec %q, want arch%skind%sname", model.ErrPrecondition, raw, sep, sep)
	}
	return parts[0], parts[1], parts[2], nil
}

func resolveImageSpec(catalog cloudapi.Catalog, arch, kind, name string) (string, error) {
	switch arch {
	case "x86", "arm":
	default:
		return "", fmt.Errorf("%w: unknown image architecture %q", model.ErrPrecondition, arch)
	}

	switch kind {
	case "system", "app":
		id, ok := catalog.ImageByName(name, arch)
		if !ok {
			return "", fmt.Errorf("%w: no %s image named %q for %s", model.ErrPrecondition, kind, name, arch)
		}
		return id, nil
	case "snapshot", "backup":
		id, ok := catalog.ImageByDescription(name, arch, kind)
		if !ok {
			return "", fmt.Errorf("%w: no %s image described %q for %s", model.ErrPrecondition, kind, name, arch)
		}
		return id, nil
	default:
		return "", fmt.Errorf("%w: unknown image kind %q", model.ErrPrecondition, kind)
	}
}

func formatArch(pattern, serverType string) string {
	arch := "x86"
	if strings.HasPrefix(strings.ToLower(serverType), "ca") {
		arch = "arm"
	}
	return strings.ReplaceAll(pattern, "{arch}", arch)
}

// extraLabels returns every expanded label that is not a reserved
// category, with the controller's own prefix stripped.
func extraLabels(expanded []string, prefix string) []string {
	prefix = strings.ToLower(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}
	simplePrefixes := []string{"type-", "in-"}
	compositePrefixes := []string{"image-", "setup-", "startup-"}

	var out []string
	for _, l := range expanded {
		body := l
		if prefix != "" {
			if !strings.HasPrefix(l, prefix) {
				out = append(out, l)
				continue
			}
			body = strings.TrimPrefix(l, prefix)
		}
		isReserved := false
		for _, rp := range simplePrefixes {
			if strings.HasPrefix(body, rp) && !strings.Contains(strings.TrimPrefix(body, rp), "-") {
				isReserved = true
				break
			}
		}
		if !isReserved {
			for _, rp := range compositePrefixes {
				if strings.HasPrefix(body, rp) {
					isReserved = true
					break
				}
			}
		}
		if !isReserved {
			out = append(out, l)
		}
	}
	return out
}
