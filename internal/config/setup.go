package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// RunSetup guides the user through first-time configuration: one server
// entry is enough to make the console usable, everything else keeps
// its defaults.
func RunSetup(cfg *Config) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║          Adjutant - First Run Setup          ║")
	fmt.Println("╠══════════════════════════════════════════════╣")
	fmt.Println("║  No servers configured yet. Add one below.   ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("── Game Server ──")

	name := promptString(reader, "Server name (e.g. game1)", "game1")
	addr := promptString(reader, "RCON address (host:port)",
		fmt.Sprintf("127.0.0.1:%d", DefaultRCONPort))
	password := promptPassword(reader, "RCON password")

	if err := cfg.AddServer(ServerEntry{
		Name:     name,
		Address:  addr,
		Password: password,
		Default:  true,
	}); err != nil {
		return err
	}

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Println("\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Printf("  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			cfg.RemoveServer(name)
			return RunSetup(cfg)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Println()
	fmt.Printf("✓ Server %q saved. Edit %s to add more.\n", name, cfg.Path())
	fmt.Println()

	return nil
}

func promptString(reader *bufio.Reader, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// promptPassword reads without echo when stdin is a terminal, so the
// rcon password does not land in scrollback.
func promptPassword(reader *bufio.Reader, prompt string) string {
	fmt.Printf("  %s: ", prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(raw))
		}
		log.Debug().Err(err).Msg("no-echo password read failed, falling back to plain input")
	}

	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}
