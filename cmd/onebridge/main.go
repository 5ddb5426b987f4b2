package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/openclaw/onebridge/pkg/bus"
	"github.com/openclaw/onebridge/pkg/channels"
	"github.com/openclaw/onebridge/pkg/config"
	"github.com/openclaw/onebridge/pkg/logger"
	"github.com/openclaw/onebridge/pkg/onebot"
	"github.com/openclaw/onebridge/pkg/utils"
)

const version = "0.1.0"

func main() {
	args := os.Args[1:]

	configPath := defaultConfigPath()
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--debug", "-d":
			logger.SetLevel(logger.DEBUG)
		case "--config", "-c":
			if i+1 < len(args) {
				i++
				configPath = args[i]
			}
		default:
			rest = append(rest, args[i])
		}
	}

	cmd := "help"
	if len(rest) > 0 {
		cmd = rest[0]
	}

	switch cmd {
	case "gateway":
		runGateway(configPath)
	case "status":
		runStatus(configPath)
	case "version":
		fmt.Printf("onebridge %s\n", version)
	case "help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`onebridge - OneBot v11 message bridge

Usage:
  onebridge gateway   run the bridge daemon
  onebridge status    probe the configured gateway connection
  onebridge version   print version
  onebridge help      show this help

Flags:
  --debug, -d             verbose logging
  --config, -c <path>     config file (default ~/.onebridge/config.json)`)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".onebridge", "config.json")
}

func loadConfig(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", path, err)
		os.Exit(1)
	}
	if cfg.Channels.OneBot.Debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg
}

func runGateway(configPath string) {
	cfg := loadConfig(configPath)
	if !cfg.Channels.OneBot.Enabled {
		fmt.Fprintln(os.Stderr, "no channel enabled; set channels.onebot.enabled")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.NewMessageBus()
	manager := channels.NewManager(cfg, b)

	if err := manager.StartAll(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start channels: %v\n", err)
		os.Exit(1)
	}
	logger.InfoCF("gateway", "Bridge running", map[string]interface{}{
		"config":   configPath,
		"channels": manager.Names(),
	})

	for {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			break
		}
		logger.InfoCF("gateway", "Inbound message", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"sender":  msg.SenderName,
			"content": utils.Truncate(msg.Content, 120),
			"images":  len(msg.MediaPaths),
			"files":   len(msg.Files),
		})
	}

	manager.StopAll()
	b.Close()
	logger.InfoC("gateway", "Bridge stopped")
}

func runStatus(configPath string) {
	cfg := loadConfig(configPath)
	ob := cfg.Channels.OneBot

	fmt.Printf("ws_url:  %s\n", ob.WSUrl)
	if !ob.Enabled {
		fmt.Println("status:  disabled")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := onebot.NewClient(onebot.Options{
		URL:         ob.WSUrl,
		AccessToken: ob.AccessToken,
	}, onebot.Handlers{})
	go client.Run(ctx)

	for !client.Connected() {
		select {
		case <-ctx.Done():
			fmt.Println("status:  unreachable")
			os.Exit(1)
		case <-time.After(100 * time.Millisecond):
		}
	}

	info, err := onebot.GetLoginInfo(ctx, client)
	if err != nil {
		fmt.Printf("status:  connected, login probe failed (%v)\n", err)
		os.Exit(1)
	}
	fmt.Println("status:  connected")
	fmt.Printf("account: %d (%s)\n", info.UserID, info.Nickname)
}
