package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cashukit/core/mint"
	"github.com/cashukit/core/mint/lightning"
	"github.com/joho/godotenv"
)

func setupLightningClient() (lightning.Backend, error) {
	switch os.Getenv("LIGHTNING_BACKEND") {
	case "Lnd":
		return lightning.CreateLndClient()
	case "CLN":
		restURL := os.Getenv("CLN_REST_URL")
		if restURL == "" {
			return nil, errors.New("CLN_REST_URL cannot be empty")
		}
		rn := os.Getenv("CLN_RUNE")
		if rn == "" {
			return nil, errors.New("CLN_RUNE cannot be empty")
		}
		return lightning.SetupCLNClient(lightning.CLNConfig{RestURL: restURL, Rune: rn})
	case "FakeBackend":
		return &lightning.FakeBackend{}, nil
	default:
		return nil, errors.New("invalid lightning backend. Set LIGHTNING_BACKEND to 'Lnd', 'CLN' or 'FakeBackend'")
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading configuration from the environment")
	}

	config := mint.GetConfig()
	if config.Port == "" {
		config.Port = "3338"
	}

	lightningClient, err := setupLightningClient()
	if err != nil {
		log.Fatalf("error setting up lightning backend: %v", err)
	}
	config.LightningClient = lightningClient

	if strings.ToLower(os.Getenv("LOG")) == "debug" {
		config.LogLevel = mint.Debug
	}

	m, err := mint.LoadMint(config)
	if err != nil {
		log.Fatalf("error loading mint: %v", err)
	}

	server := mint.NewServer(m, config.Port)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-c
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("error shutting down mint server: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("error running mint: %v", err)
	}
}
