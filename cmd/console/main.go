package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/codingconcepts/env"
	"github.com/joho/godotenv"

	"github.com/lounge-hq/console/internal/auth"
	"github.com/lounge-hq/console/internal/hub"
	"github.com/lounge-hq/console/internal/notifications"
	"github.com/lounge-hq/console/internal/tokenstore"
)

type Config struct {
	HubURL string `env:"HUB_URL" default:"http://localhost:5002"`

	// AuthToken overrides the stored token when set; TokenFile overrides the
	// default token location
	AuthToken string `env:"AUTH_TOKEN"`
	TokenFile string `env:"TOKEN_FILE"`
}

func main() {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("error loading .env file: %v", err)
	}
	config := Config{}
	if err := env.Set(&config); err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	token := config.AuthToken
	if token == "" {
		store, err := resolveTokenStore(config)
		if err != nil {
			log.Fatalf("error resolving token store: %v", err)
		}
		token, err = store.Load()
		if err != nil {
			log.Fatalf("error reading stored token: %v", err)
		}
	}

	identity := auth.NewIdentity()
	identity.SetToken(token)
	if err := identity.Require(); err != nil {
		log.Fatalf("cannot start: %v (log in again to refresh the session)", err)
	}
	fmt.Printf("Logged in as %s (role: %s)\n", identity.Claims().DisplayName, identity.Claims().PrimaryRole())

	ctx, close := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill, syscall.SIGTERM)
	defer close()

	conn := hub.NewConnection(config.HubURL, identity.Token)
	conn.OnStateChange = func(state hub.State) {
		fmt.Printf("Connection state: %s\n", state)
	}

	controller := notifications.NewController(conn)
	controller.OnChange = func() {
		unread := 0
		for _, n := range controller.Notifications() {
			if !n.IsRead {
				unread++
			}
		}
		fmt.Printf("Notifications: %d total, %d unread\n", len(controller.Notifications()), unread)
	}

	if err := controller.Start(ctx); err != nil {
		log.Fatalf("error connecting to realtime hub: %v", err)
	}

	<-ctx.Done()
	fmt.Printf("Received signal; disconnecting...\n")
	if err := controller.Stop(); err != nil {
		log.Fatalf("error disconnecting: %v", err)
	}
	fmt.Printf("Disconnected.\n")
}

func resolveTokenStore(config Config) (*tokenstore.Store, error) {
	if config.TokenFile != "" {
		return tokenstore.New(config.TokenFile), nil
	}
	return tokenstore.Default()
}
