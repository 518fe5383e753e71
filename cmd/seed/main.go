// seed mints a development access token for a user so the pairing endpoints can be exercised
// locally. JWT_PRIVATE_KEY must be set (and match the key the server verifies with).
//
//	go run ./cmd/seed -user 2b1f6a8e-5c4d-4e3a-9b7f-1d2c3e4f5a6b -name "Dev User"
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"remotecast/backend/internal/app"
	"remotecast/backend/internal/config"
)

const devUserID = "2b1f6a8e-5c4d-4e3a-9b7f-1d2c3e4f5a6b"

func main() {
	userID := flag.String("user", devUserID, "user ID (uuid) to mint the token for")
	name := flag.String("name", "Dev User", "display name claim")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.JWTPrivateKey == "" {
		log.Fatal("JWT_PRIVATE_KEY is not set; the server's ephemeral key cannot be used to mint tokens")
	}
	if _, err := uuid.Parse(*userID); err != nil {
		log.Fatalf("-user must be a uuid: %v", err)
	}

	tokens, err := app.NewTokenProvider(cfg, zap.NewNop())
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	token, expiresAt, err := tokens.IssueAccess(*userID, *name)
	if err != nil {
		log.Fatalf("issue: %v", err)
	}
	fmt.Fprintf(os.Stderr, "user %s, expires %s\n", *userID, expiresAt.Format("2006-01-02 15:04:05Z07:00"))
	fmt.Println(token)
}
