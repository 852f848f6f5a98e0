// Package main is the entrypoint for hostbridge.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/morezero/hostbridge/internal/config"
	"github.com/morezero/hostbridge/internal/server"
	"github.com/morezero/hostbridge/pkg/db"
	"github.com/morezero/hostbridge/pkg/transport"
)

const usage = `Usage: hostbridge [command]
       hostbridge serve                      Start the bridge (command endpoint, NATS, ops HTTP).
       hostbridge send <type> [params-json]  Send one command to a running bridge and print the result.
       hostbridge migrate up                 Run audit table migrations.
       hostbridge migrate status             Show migration status.
       hostbridge ensure-db [name]           Create database if missing (default name: hostbridge). Uses DATABASE_URL host/user.
       hostbridge audit recent [n] [type]    Print the newest audit records.
       hostbridge audit stats [since]        Count audited failures by error code (default since: 24h).
       hostbridge audit purge <age>          Delete audit records older than age (e.g. 720h).

Commands:
  serve           (default) Start the bridge.
  send            Talks line-framed JSON to HOSTBRIDGE_LISTEN_ADDR.
  migrate         Applies embedded migrations, or MIGRATION_PATH when set.

Environment: DATABASE_URL (migrate, ensure-db, audit), HOSTBRIDGE_LISTEN_ADDR, HOSTBRIDGE_FRAMING,
COMMS_URL, REDIS_URL, HOSTBRIDGE_POLICY_FILE, HOSTBRIDGE_HOST_COMMANDS, HOSTBRIDGE_HOST/PORT. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("hostbridge migrate: require subcommand (up, status)")
		}
		switch sub := args[1]; sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("hostbridge migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("hostbridge migrate status: %v", err)
			}
		default:
			log.Fatalf("hostbridge migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "send":
		if err := runSend(args[1:]); err != nil {
			log.Fatalf("hostbridge send: %v", err)
		}
		return
	case "audit":
		if err := runAudit(args[1:]); err != nil {
			log.Fatalf("hostbridge audit: %v", err)
		}
		return
	case "ensure-db":
		dbName := "hostbridge"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("hostbridge ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("hostbridge: %v", err)
	}
}

func openAuditRepository(ctx context.Context) (*db.AuditRepository, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return db.NewAuditRepository(pool), pool.Close, nil
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	status, err := db.MigrationStatus(ctx, pool, migrations)
	if err != nil {
		return err
	}
	fmt.Print(status)
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	target, err := db.WithDatabase(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), target); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// parseSendArgs splits `send <type> [params-json]`.
func parseSendArgs(args []string) (string, transport.Params, error) {
	if len(args) == 0 || args[0] == "" {
		return "", nil, errors.New("require a command type")
	}
	params := transport.Params{}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
			return "", nil, fmt.Errorf("params must be a JSON object: %w", err)
		}
	}
	return args[0], params, nil
}

// sendConfig points a socket transport at the bridge's own command endpoint.
func sendConfig(cfg *config.Config) (transport.Config, error) {
	if cfg.Framing != "" && cfg.Framing != "line" {
		return transport.Config{}, fmt.Errorf("send needs line framing, bridge uses %q", cfg.Framing)
	}
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return transport.Config{}, fmt.Errorf("parse HOSTBRIDGE_LISTEN_ADDR: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return transport.Config{}, fmt.Errorf("HOSTBRIDGE_LISTEN_ADDR needs a port, got %q", cfg.ListenAddr)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	tc := cfg.Transport()
	tc.Host = host
	tc.Port = port
	tc.Retries = 0
	return tc, nil
}

func runSend(args []string) error {
	commandType, params, err := parseSendArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	tc, err := sendConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), tc.Timeout)
	defer cancel()

	return transport.WithSession(ctx, transport.New(tc), func(tr transport.Transport) error {
		resp, err := tr.SendCommand(ctx, commandType, params)
		if resp == nil {
			return err
		}
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
		return err
	})
}

func runAudit(args []string) error {
	if len(args) == 0 {
		return errors.New("require subcommand (recent, stats, purge)")
	}
	ctx := context.Background()

	switch args[0] {
	case "recent":
		limit := 20
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("n must be a positive integer, got %q", args[1])
			}
			limit = n
		}
		action := ""
		if len(args) > 2 {
			action = args[2]
		}
		repo, closeDB, err := openAuditRepository(ctx)
		if err != nil {
			return err
		}
		defer closeDB()
		recs, err := repo.Recent(ctx, action, limit)
		if err != nil {
			return err
		}
		for _, r := range recs {
			line, _ := json.Marshal(r)
			fmt.Println(string(line))
		}
		return nil

	case "stats":
		since := 24 * time.Hour
		if len(args) > 1 {
			d, err := time.ParseDuration(args[1])
			if err != nil || d <= 0 {
				return fmt.Errorf("since must be a positive duration, got %q", args[1])
			}
			since = d
		}
		repo, closeDB, err := openAuditRepository(ctx)
		if err != nil {
			return err
		}
		defer closeDB()
		counts, err := repo.CountByCode(ctx, time.Now().Add(-since))
		if err != nil {
			return err
		}
		codes := make([]string, 0, len(counts))
		for code := range counts {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			fmt.Printf("%-22s %d\n", code, counts[code])
		}
		return nil

	case "purge":
		if len(args) < 2 {
			return errors.New("purge requires an age (e.g. 720h)")
		}
		age, err := time.ParseDuration(args[1])
		if err != nil || age <= 0 {
			return fmt.Errorf("age must be a positive duration, got %q", args[1])
		}
		repo, closeDB, err := openAuditRepository(ctx)
		if err != nil {
			return err
		}
		defer closeDB()
		n, err := repo.Purge(ctx, time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d audit records.\n", n)
		return nil
	}
	return fmt.Errorf("unknown subcommand %q (use recent, stats, purge)", args[0])
}
