// migrate applies the lease-table migrations embedded in internal/db/migrate.
// Only the postgres lease store needs it; bbolt files are created on first use.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"aval/internal/config"
	"aval/internal/db/migrate"
)

func main() {
	direction := pflag.String("direction", "up", "migration direction: up or down")
	showVersion := pflag.Bool("version", false, "print the applied schema version and exit")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.LeaseStore != config.LeaseStorePostgres {
		fmt.Fprintln(os.Stderr, "LEASE_STORE is not postgres; nothing to migrate")
		return
	}

	if *showVersion {
		v, dirty, err := migrate.Version(cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "migrate:", err)
			os.Exit(1)
		}
		fmt.Printf("version %d (dirty: %t)\n", v, dirty)
		return
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
