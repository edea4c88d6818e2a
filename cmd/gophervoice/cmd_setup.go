package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/gophervoice/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("GopherVoice Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Room.URL = ask(scanner, "Room server URL", cfg.Room.URL)
		cfg.Room.Token = ask(scanner, "Room access token (optional)", cfg.Room.Token)
		cfg.Room.Name = ask(scanner, "Room name", cfg.Room.Name)
		cfg.Room.Identity = ask(scanner, "Identity in the room", cfg.Room.Identity)
		cfg.Room.Agent = ask(scanner, "Agent identity (empty = first agent to join)", cfg.Room.Agent)

		timeout := ask(scanner, "RPC timeout in milliseconds", strconv.Itoa(cfg.Room.RPCTimeoutMS))
		if n, err := strconv.Atoi(timeout); err == nil && n > 0 {
			cfg.Room.RPCTimeoutMS = n
		}

		cfg.Telegram.Token = ask(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			cfg.Telegram.ChatIDs = parseChatIDs(ask(scanner, "Allowed Telegram chat IDs (comma separated)", joinInts(cfg.Telegram.ChatIDs)))
		}

		brokers := ask(scanner, "Kafka brokers (comma separated, optional)", strings.Join(cfg.Kafka.Brokers, ","))
		cfg.Kafka.Brokers = splitList(brokers)

		cfg.HTTP.Listen = ask(scanner, "Status API listen address (empty disables)", cfg.HTTP.Listen)

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// ask displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func ask(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseChatIDs(s string) []int64 {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping invalid chat id %q\n", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func joinInts(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
