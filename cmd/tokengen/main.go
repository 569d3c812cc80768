// tokengen signs access tokens for the support chat API. Admin tokens are
// how support agents sign in to the console; client tokens are normally
// issued by POST /api/v1/session and are minted here for testing.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/capitalize-ai/support-chat/internal/middleware"
)

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func run(args []string, getenv func(string) string, out io.Writer) error {
	var (
		role   string
		id     string
		name   string
		secret string
		ttl    time.Duration
	)

	flagSet := pflag.NewFlagSet("tokengen", pflag.ContinueOnError)
	flagSet.StringVarP(&role, "role", "r", middleware.RoleAdmin, "token role: admin or client")
	flagSet.StringVar(&id, "id", "", "subject id (default: a new uuid)")
	flagSet.StringVarP(&name, "name", "n", "", "display name shown to clients when an admin joins")
	flagSet.StringVar(&secret, "secret", "", "HMAC signing secret (default: $JWT_SECRET)")
	flagSet.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime, 0 for no expiry")

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if secret == "" {
		secret = getenv("JWT_SECRET")
	}
	if secret == "" {
		return errors.New("no signing secret: pass --secret or set JWT_SECRET")
	}
	if role != middleware.RoleAdmin && role != middleware.RoleClient {
		return fmt.Errorf("unknown role %q", role)
	}
	if id == "" {
		id = uuid.New().String()
	}
	if role == middleware.RoleAdmin && name == "" {
		return errors.New("admin tokens need --name")
	}

	token, err := middleware.GenerateToken(secret, middleware.Principal{ID: id, Role: role, Name: name}, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}
