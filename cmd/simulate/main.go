package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codingconcepts/env"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/lounge-hq/console/internal/notifications"
	"github.com/lounge-hq/console/internal/simulator"
)

type Config struct {
	BindAddr   string `env:"BIND_ADDR"`
	ListenPort uint16 `env:"LISTEN_PORT" default:"5002"`

	// PushIntervalSeconds controls how often the next scripted event is
	// emitted
	PushIntervalSeconds uint16 `env:"PUSH_INTERVAL_SECONDS" default:"10"`
}

// script is the sequence of events the simulator cycles through, covering
// every push the console handles: direct notifications of each severity and a
// session-ended domain event
var script = []func(s *simulator.Server, i int){
	func(s *simulator.Server, i int) {
		s.Push(notifications.Notification{
			ID:        uuid.NewString(),
			Title:     "New booking",
			Message:   fmt.Sprintf("Room %d has been booked for 19:00.", 1+i%6),
			Type:      notifications.TypeInfo,
			CreatedOn: time.Now(),
		})
	},
	func(s *simulator.Server, i int) {
		s.Push(notifications.Notification{
			ID:        uuid.NewString(),
			Title:     "Payment received",
			Message:   "An outstanding tab has been settled.",
			Type:      notifications.TypeSuccess,
			CreatedOn: time.Now(),
		})
	},
	func(s *simulator.Server, i int) {
		s.EndSession(uuid.NewString(), fmt.Sprintf("%d", 1+i%6))
	},
	func(s *simulator.Server, i int) {
		s.Push(notifications.Notification{
			ID:        uuid.NewString(),
			Title:     "Stock running low",
			Message:   "Fewer than 10 units remain for one or more bar items.",
			Type:      notifications.TypeWarning,
			CreatedOn: time.Now(),
		})
	},
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

	ctx, close := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill, syscall.SIGTERM)
	defer close()

	sim := simulator.New()
	addr := fmt.Sprintf("%s:%d", config.BindAddr, config.ListenPort)
	server := &http.Server{Addr: addr, Handler: cors.AllowAll().Handler(sim)}

	fmt.Printf("Simulated hub listening on %s...\n", addr)
	var wg errgroup.Group
	wg.Go(server.ListenAndServe)

	go func() {
		i := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(config.PushIntervalSeconds) * time.Second):
				script[i%len(script)](sim, i)
				i++
			}
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Printf("Received signal; closing server...\n")
		server.Shutdown(context.Background())
	}

	err = wg.Wait()
	if err == http.ErrServerClosed {
		fmt.Printf("Server closed.\n")
	} else {
		log.Fatalf("error running server: %v", err)
	}
}
