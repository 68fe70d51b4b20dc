package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/di"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

// run loads the config, wires the dependency graph and blocks inside the
// app until a shutdown signal arrives. The stdlib logger covers the window
// before the structured logger exists.
func run(configPath string) error {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Printf("starting env=%s backend=%s symbols=%v",
		cfg.Environment, cfg.Backend.Type, cfg.Bybit.Symbols)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	log.Printf("wired clickhouse db=%s kafka brokers=%v signals=%s fills=%s",
		cfg.ClickHouse.Database, cfg.Kafka.Brokers, cfg.Kafka.SignalsTopic, cfg.Kafka.FillsTopic)

	return app.Run()
}
