package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runnerscale/controller/internal/cloudapi"
)

func TestResolveSSHKeyIDs_MatchesPrimaryAndAdditionalByName(t *testing.T) {
	cloud := cloudapi.NewFake(func() time.Time { return time.Unix(0, 0) })
	cloud.SeedSSHKeys(
		cloudapi.SSHKey{ID: 1, Name: "id_rsa.pub"},
		cloudapi.SSHKey{ID: 2, Name: "deploy-key"},
		cloudapi.SSHKey{ID: 3, Name: "unrelated"},
	)

	ids, err := resolveSSHKeyIDs(context.Background(), cloud, "/home/ops/.ssh/id_rsa.pub", []string{"deploy-key"})
	if err != nil {
		t.Fatalf("resolveSSHKeyIDs() error = %v", err)
	}

	got := map[int64]bool{}
	for _, id := range ids {
		got[id] = true
	}
	if !got[1] || !got[2] || got[3] {
		t.Errorf("resolveSSHKeyIDs() = %v, want ids {1,2}", ids)
	}
}

func TestResolveSSHKeyIDs_EmptyConfigReturnsNil(t *testing.T) {
	cloud := cloudapi.NewFake(func() time.Time { return time.Unix(0, 0) })
	ids, err := resolveSSHKeyIDs(context.Background(), cloud, "", nil)
	if err != nil {
		t.Fatalf("resolveSSHKeyIDs() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no ids, got %v", ids)
	}
}

func TestScriptLoader_ReadsRelativeToDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "setup.sh"), []byte("#!/bin/sh\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	load := scriptLoader(dir)
	data, err := load("setup.sh")
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if string(data) != "#!/bin/sh\n" {
		t.Errorf("load() = %q", data)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	got := expandHome("~/.ssh/id_rsa")
	want := filepath.Join(home, ".ssh/id_rsa")
	if got != want {
		t.Errorf("expandHome() = %q, want %q", got, want)
	}

	if got := expandHome("/absolute/path"); got != "/absolute/path" {
		t.Errorf("expandHome() should leave absolute paths untouched, got %q", got)
	}
}
