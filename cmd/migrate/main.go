// migrate applies the embedded schema migrations: go run ./cmd/migrate [-direction up|down|version].
package main

import (
	"flag"
	"fmt"
	"os"

	"remotecast/backend/internal/config"
	"remotecast/backend/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "up, down or version")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail("config", err)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set; the server runs on in-memory stores without it")
		os.Exit(1)
	}

	if *direction == "version" {
		v, dirty, err := migrate.Version(cfg.DatabaseURL)
		if err != nil {
			fail("version", err)
		}
		fmt.Printf("version %d (dirty: %t)\n", v, dirty)
		return
	}
	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		fail("migrate", err)
	}
	v, _, err := migrate.Version(cfg.DatabaseURL)
	if err == nil {
		fmt.Printf("schema at version %d\n", v)
	}
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}
