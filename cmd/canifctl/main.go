package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/idf-can-bus/esp32-can-multibackend/cmd/canifctl/cmd"
	// Init backends
	_ "github.com/idf-can-bus/esp32-can-multibackend/backend/sim"
	_ "github.com/idf-can-bus/esp32-can-multibackend/backend/slcan"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	go func() {
		s := <-quit
		log.Printf("got %v, shutting down", s)
		cancel()
		<-time.After(15 * time.Second)
		log.Fatal("shutdown timed out, forcing exit")
	}()
	cmd.Execute(ctx)
}
