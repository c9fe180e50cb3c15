package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/tidemill/loom/internal/config"
	"github.com/tidemill/loom/internal/doctor"
)

// doctorCommand implements `loom doctor [-json]`.
func doctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "emit the diagnosis as JSON")
	_ = fs.Parse(args)

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	d := doctor.Run(ctx, cfgPtr, Version)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("loom %s on %s/%s (%s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		for _, r := range d.Results {
			fmt.Printf("  %-4s %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("       %-12s %s\n", "", r.Detail)
			}
		}
	}

	if !d.Healthy() {
		return 1
	}
	return 0
}
