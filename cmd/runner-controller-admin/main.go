// Command runner-controller-admin is a one-shot operator tool for
// inspecting and clearing controller-owned servers directly against
// the cloud API, bypassing the reconcile loops entirely. It never
// touches CI state.
//
// Grounded on original_source's delete.py/servers.py one-shot admin
// scripts (per DESIGN.md), reimplemented as thin subcommands over
// internal/cloudapi.Client the same way the core uses it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/term"

	"github.com/runnerscale/controller/internal/bootstrap"
	"github.com/runnerscale/controller/internal/cloudapi"
	"github.com/runnerscale/controller/internal/config"
	"github.com/runnerscale/controller/internal/naming"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	configPath := ""
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		fs.StringVar(&configPath, "config", "", "path to configuration file (optional)")
		fs.Parse(args)
		err = runList(configPath)
	case "delete-all":
		fs := flag.NewFlagSet("delete-all", flag.ExitOnError)
		fs.StringVar(&configPath, "config", "", "path to configuration file (optional)")
		yes := fs.Bool("yes", false, "confirm deletion of every controller-owned server")
		fs.Parse(args)
		err = runDeleteAll(configPath, *yes)
	case "ssh":
		fs := flag.NewFlagSet("ssh", flag.ExitOnError)
		fs.StringVar(&configPath, "config", "", "path to configuration file (optional)")
		fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: runner-controller-admin ssh [-config path] <server-name>")
			os.Exit(2)
		}
		err = runSSH(configPath, fs.Arg(0))
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `runner-controller-admin is a one-shot operator tool.

Usage:
  runner-controller-admin list [-config path]
  runner-controller-admin delete-all [-config path] -yes
  runner-controller-admin ssh [-config path] <server-name>`)
}

func loadClient(configPath string) (*config.Config, *cloudapi.Client, *naming.Namer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := cloudapi.New(cfg.Cloud.Token, cfg.Cloud.BaseURL, logger)
	namer := naming.New(cfg.Naming.Prefix)
	return cfg, client, namer, nil
}

func ownedServers(ctx context.Context, client cloudapi.Cloud, namer *naming.Namer) ([]cloudapi.Server, error) {
	all, err := client.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	owned := make([]cloudapi.Server, 0, len(all))
	for _, s := range all {
		if namer.Owned(s.Name) {
			owned = append(owned, s)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].Name < owned[j].Name })
	return owned, nil
}

func runList(configPath string) error {
	ctx := context.Background()
	_, client, namer, err := loadClient(configPath)
	if err != nil {
		return err
	}

	servers, err := ownedServers(ctx, client, namer)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("no controller-owned servers")
		return nil
	}

	fmt.Printf("%-40s %-10s %-15s %-12s %s\n", "NAME", "STATUS", "SERVER TYPE", "ROLE", "CREATED")
	for _, s := range servers {
		role := namer.Parse(s.Name)
		fmt.Printf("%-40s %-10s %-15s %-12s %s\n",
			s.Name, s.Status, s.ServerType, roleString(role.Kind), s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

func roleString(k naming.Kind) string {
	switch k {
	case naming.KindActive:
		return "active"
	case naming.KindRecycle:
		return "recycle"
	case naming.KindStandby:
		return "standby"
	default:
		return "unknown"
	}
}

func runDeleteAll(configPath string, yes bool) error {
	if !yes {
		return fmt.Errorf("refusing to delete every controller-owned server without -yes")
	}

	ctx := context.Background()
	_, client, namer, err := loadClient(configPath)
	if err != nil {
		return err
	}

	servers, err := ownedServers(ctx, client, namer)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("no controller-owned servers to delete")
		return nil
	}

	var failed int
	for _, s := range servers {
		if err := client.DeleteServer(ctx, s.Name); err != nil {
			fmt.Fprintf(os.Stderr, "failed to delete %s: %v\n", s.Name, err)
			failed++
			continue
		}
		fmt.Printf("deleted %s\n", s.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deletions failed", failed, len(servers))
	}
	return nil
}

func runSSH(configPath, serverName string) error {
	ctx := context.Background()
	cfg, client, namer, err := loadClient(configPath)
	if err != nil {
		return err
	}
	if !namer.Owned(serverName) {
		return fmt.Errorf("%s is not a controller-owned server name", serverName)
	}

	servers, err := client.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	var target *cloudapi.Server
	for i := range servers {
		if servers[i].Name == serverName {
			target = &servers[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("server %s not found", serverName)
	}
	if target.PublicIPv4 == "" {
		return fmt.Errorf("server %s has no public address", serverName)
	}

	return bootstrap.InteractiveShell(ctx, cfg.Bootstrap.User, cfg.Bootstrap.PrivateKeyPath, target.PublicIPv4+":22", os.Stdin, os.Stdout, isTerminal())
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
