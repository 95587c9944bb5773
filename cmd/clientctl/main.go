package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/technosupport/ts-mediagw/internal/auth"
	"github.com/technosupport/ts-mediagw/internal/data"
)

// clientctl manages API client credentials out of band: the create
// response is the only place the plaintext secret ever appears.
func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	models := data.NewModels(db)
	svc := auth.NewService(models.Clients, models.RefreshTokens, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "create":
		runCreate(ctx, svc, os.Args[2:])
	case "deactivate":
		runDeactivate(ctx, svc, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  clientctl create -id <client_id> -scopes <s1,s2,...> [-expires <RFC3339>]
  clientctl deactivate -id <client_id>

Available scopes:`)
	for _, s := range data.AllScopes {
		fmt.Fprintf(os.Stderr, "  %s\n", s)
	}
}

func runCreate(ctx context.Context, svc *auth.Service, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	id := fs.String("id", "", "client id")
	scopesFlag := fs.String("scopes", "", "comma separated scopes")
	expires := fs.String("expires", "", "optional expiry (RFC3339)")
	fs.Parse(args)

	if *id == "" || *scopesFlag == "" {
		fs.Usage()
		os.Exit(2)
	}

	var expiresAt *time.Time
	if *expires != "" {
		t, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			log.Fatalf("invalid -expires: %v", err)
		}
		expiresAt = &t
	}

	scopes := strings.Split(*scopesFlag, ",")
	for i := range scopes {
		scopes[i] = strings.TrimSpace(scopes[i])
	}

	created, err := svc.CreateClient(ctx, *id, scopes, expiresAt)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}

	fmt.Printf("client_id:     %s\n", created.ClientID)
	fmt.Printf("client_secret: %s\n", created.ClientSecret)
	fmt.Printf("scopes:        %s\n", strings.Join(created.Scopes, ", "))
	if created.ExpiresAt != nil {
		fmt.Printf("expires_at:    %s\n", created.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println("\nStore the secret now; it cannot be retrieved again.")
}

func runDeactivate(ctx context.Context, svc *auth.Service, args []string) {
	fs := flag.NewFlagSet("deactivate", flag.ExitOnError)
	id := fs.String("id", "", "client id")
	fs.Parse(args)

	if *id == "" {
		fs.Usage()
		os.Exit(2)
	}

	if err := svc.DeactivateClient(ctx, *id); err != nil {
		log.Fatalf("deactivate client: %v", err)
	}
	fmt.Printf("client %s deactivated; refresh tokens revoked\n", *id)
}
