// Command tenantctl is the operator CLI for managing gateway tenants:
// registering them with their OAuth credentials, listing them, and toggling
// their status.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/itsmbridge/internal/config"
	"github.com/erauner12/itsmbridge/internal/crypto"
	"github.com/erauner12/itsmbridge/internal/store"
	"github.com/erauner12/itsmbridge/internal/tenant"
)

const usage = `Usage: tenantctl <command> [flags]

Commands:
  register    Register a tenant with its OAuth credentials
  list        List all active tenants
  suspend     Suspend a tenant by id
  activate    Re-activate a suspended tenant
  stats       Show stored-token statistics
  genkey      Generate a new encryption key

Environment:
  ITSMBRIDGE_DATABASE_URL     Postgres DSN
  ITSMBRIDGE_ENCRYPTION_KEY   Hex-encoded 32-byte master key
`

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "register":
		err = cmdRegister(ctx, os.Args[2:])
	case "list":
		err = cmdList(ctx)
	case "suspend":
		err = cmdSetStatus(ctx, os.Args[2:], store.TenantSuspended)
	case "activate":
		err = cmdSetStatus(ctx, os.Args[2:], store.TenantActive)
	case "stats":
		err = cmdStats(ctx)
	case "genkey":
		err = cmdGenKey()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// open connects to the store and builds the registry from the environment
// configuration.
func open(ctx context.Context) (*tenant.Registry, *store.Store, func(), error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, nil, nil, config.ErrMissingDatabaseURL
	}
	if cfg.EncryptionKeyHex == "" {
		return nil, nil, nil, config.ErrMissingEncryptionKey
	}

	cryptoSvc, err := crypto.NewServiceFromHex(cfg.EncryptionKeyHex)
	if err != nil {
		return nil, nil, nil, err
	}

	pool, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{MaxConns: 2, MinConns: 1})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	st := store.New(pool)
	return tenant.NewRegistry(st, cryptoSvc, tenant.DefaultCacheTTL), st, pool.Close, nil
}

func cmdRegister(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	name := fs.String("name", "", "Tenant name (unique)")
	region := fs.String("region", "us", "Data center region (us, eu, in, au, jp)")
	tier := fs.String("tier", "basic", "Rate tier (basic, standard, premium, enterprise)")
	scopes := fs.String("scopes", "", "Comma-separated allowed scopes (e.g. ITSM.Requests.READ)")
	instanceURL := fs.String("instance-url", "", "Tenant's ITSM instance URL")
	clientID := fs.String("client-id", "", "OAuth client id")
	clientSecret := fs.String("client-secret", "", "OAuth client secret")
	refreshToken := fs.String("refresh-token", "", "OAuth refresh token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	registry, _, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	var scopeList []string
	for _, s := range strings.Split(*scopes, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			scopeList = append(scopeList, trimmed)
		}
	}

	t, err := registry.Register(ctx, tenant.RegisterRequest{
		Name:         *name,
		Region:       store.Region(*region),
		Tier:         store.RateTier(*tier),
		Scopes:       scopeList,
		InstanceURL:  *instanceURL,
		ClientID:     *clientID,
		ClientSecret: *clientSecret,
		RefreshToken: *refreshToken,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Registered tenant %s\n", t.Name)
	fmt.Printf("  id:     %s\n", t.ID)
	fmt.Printf("  region: %s\n", t.Region)
	fmt.Printf("  tier:   %s\n", t.Tier)
	return nil
}

func cmdList(ctx context.Context) error {
	registry, _, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	tenants, err := registry.ListActive(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREGION\tTIER\tCREATED")
	for _, t := range tenants {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Name, t.Region, t.Tier, t.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func cmdSetStatus(ctx context.Context, args []string, status store.TenantStatus) error {
	if len(args) < 1 {
		return fmt.Errorf("tenant id is required")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}

	registry, _, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := registry.UpdateStatus(ctx, id, status); err != nil {
		return err
	}

	fmt.Printf("Tenant %s is now %s\n", id, status)
	return nil
}

func cmdStats(ctx context.Context) error {
	_, st, closeFn, err := open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := st.GetTokenStats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Stored tokens: %d\n", stats.Total)
	fmt.Printf("  valid:   %d\n", stats.Valid)
	fmt.Printf("  expired: %d\n", stats.Expired)
	return nil
}

func cmdGenKey() error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}
