package main

import (
	"flag"
	"log"
	"os"

	"WalletPull/internal/di"
	"WalletPull/pkg/config"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	// Load config
	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s providers=%d", cfg.Environment, len(cfg.Providers))

	// Wire DI: Initialize all dependencies
	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	log.Printf("redis: connected %s:%d", cfg.Redis.Host, cfg.Redis.Port)
	log.Printf("kafka: connected brokers=%v results_topic=%s", cfg.Kafka.Brokers, cfg.Kafka.ResultsTopic)

	// Run application (blocks until signal)
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
