// Command token mints an access token for operators and local testing.
// Identities are issued by the platform's auth service in production.
//
//	JWT_SECRET=... go run ./cmd/token -user 1 -role ADMIN -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/activity-reservation/internal/model"
	"github.com/iliyamo/activity-reservation/internal/utils"
)

func main() {
	userID := flag.Uint64("user", 0, "user id placed in the sub claim")
	role := flag.String("role", model.RoleGuardian, "GUARDIAN, INSTRUCTOR or ADMIN")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fail("JWT_SECRET is not set")
	}
	if *userID == 0 {
		fail("-user is required")
	}
	if !model.ValidRole(*role) {
		fail("unknown role " + *role)
	}

	tok, err := utils.NewAccessToken(secret, *userID, *role, *ttl)
	if err != nil {
		fail(err.Error())
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.Format(time.RFC3339))
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "token:", msg)
	os.Exit(2)
}
