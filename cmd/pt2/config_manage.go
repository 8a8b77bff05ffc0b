package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/pt2/internal/config"
	"github.com/mattjoyce/pt2/internal/discovery"
	"github.com/mattjoyce/pt2/internal/doctor"
	"github.com/mattjoyce/pt2/internal/log"
)

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	registry, err := discovery.Discover(cfg.BackendsDir, log.WithComponent("discovery"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backend discovery failed: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, registry).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Printf("Config: %s\n", cfg.Path)
		fmt.Printf("Backends discovered: %d\n", registry.Len())
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Validate without writing checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := config.ResolvePath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config: %v\n", err)
		return 1
	}
	// Parse without integrity checks: locking is how an edited file is authorized.
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock: %v\n", err)
		return 1
	}

	if *dryRun {
		hash, err := config.ComputeBlake3Hash(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to hash config: %v\n", err)
			return 1
		}
		fmt.Printf("Would lock %s (blake3 %s)\n", path, hash)
		return 0
	}

	manifest, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s -> %s\n", filepath.Base(path), manifest)
	return 0
}
