package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jscharber/coursemirror/internal/database"
	"github.com/jscharber/coursemirror/pkg/config"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to a configuration file with a database section")
		driver     = flag.String("driver", "", "Database driver: postgres or sqlite")
		command    = flag.String("command", "migrate", "Command to run: migrate, status, reset, validate")
		yes        = flag.Bool("yes", false, "Skip the confirmation prompt for reset")
	)
	flag.Parse()

	cfg := struct {
		Database *database.Config `yaml:"database" env:",inline"`
	}{Database: database.GetDefaultConfig()}

	loader := config.NewLoader("COURSEMIRROR")
	if *configFile != "" {
		if err := config.ValidateConfigPath(*configFile); err != nil {
			log.Fatalf("Invalid config file: %v", err)
		}
		if err := loader.Load(*configFile, &cfg); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	} else if err := loader.LoadFromEnv(&cfg); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	// the commands below decide when the schema changes
	cfg.Database.AutoMigrate = false

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	migrator := db.Migrator()

	switch *command {
	case "migrate":
		if err := migrator.Migrate(ctx); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Migrations completed successfully")

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			log.Fatalf("Failed to get migration status: %v", err)
		}

		fmt.Println("Schema Status:")
		fmt.Println("==============")
		for _, table := range status {
			state := "missing"
			if table.Exists {
				state = "present"
			}
			fmt.Printf("%-32s %s\n", table.Table, state)
		}

	case "reset":
		if !*yes {
			fmt.Println("WARNING: This will drop all tables and data!")
			fmt.Print("Are you sure? (y/N): ")
			var confirm string
			fmt.Scanln(&confirm)
			if confirm != "y" && confirm != "Y" {
				fmt.Println("Operation cancelled")
				return
			}
		}

		if err := migrator.Reset(ctx); err != nil {
			log.Fatalf("Reset failed: %v", err)
		}
		fmt.Println("Database reset completed successfully")

	case "validate":
		if err := migrator.Validate(ctx); err != nil {
			log.Fatalf("Database validation failed: %v", err)
		}
		fmt.Println("Database schema is valid")

	default:
		fmt.Printf("Unknown command: %s\n", *command)
		fmt.Println("Available commands: migrate, status, reset, validate")
		os.Exit(1)
	}
}
