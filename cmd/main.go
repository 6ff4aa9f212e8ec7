package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"pulse/internal/bus"
	"pulse/internal/config"
	"pulse/internal/directory"
	"pulse/internal/keystore"
	"pulse/internal/logger"
	"pulse/internal/media"
	"pulse/internal/service"
	"pulse/internal/ui"
)

func main() {
	// Handle help flag
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help") {
		config.PrintUsage()
		os.Exit(0)
	}

	cfg := config.NewCLIConfig()

	log, err := logger.NewWithFile(
		logger.LogLevel(cfg.GetLogLevel()),
		cfg.GetQuiet(),
		cfg.GetLogFile(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.GetDataDir(), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	store, err := keystore.Open(filepath.Join(cfg.GetDataDir(), "keystore.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open keystore: %v\n", err)
		os.Exit(1)
	}

	// Create services
	messageBus := bus.NewWSMessageBus(cfg, log)
	dirClient := directory.NewClient(cfg.GetDirectoryURL(), log)
	mediaSource := media.NewLocalSource(log)
	peerFactory := media.NewLocalPeerConnectionFactory(log)

	client := service.NewChatClient(cfg, messageBus, dirClient, store, mediaSource, peerFactory, log)

	// Create UI model
	model := ui.NewModel(client, cfg.GetUsername())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := client.Start(ctx); err != nil {
			log.Error("Failed to start client", "error", err)
			os.Exit(1)
		}
	}()

	p := tea.NewProgram(model, tea.WithAltScreen())

	// Set the program reference in the model for event handling
	model.SetProgram(p)

	// Handle shutdown gracefully
	go func() {
		<-sigChan
		log.Info("Received shutdown signal")
		client.Stop()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		log.Error("UI error", "error", err)
		client.Stop()
		os.Exit(1)
	}

	client.Stop()
}
