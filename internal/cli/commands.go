// Package cli implements the interactive console for Adjutant. Built-in
// commands manage the daemon and the configured servers; any other input
// is passed through verbatim as a console command to the selected server.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/adjutant-project/adjutant/internal/config"
	"github.com/adjutant-project/adjutant/internal/console"
	"github.com/adjutant-project/adjutant/internal/events"
	"github.com/adjutant-project/adjutant/internal/history"
)

// ManagerInterface is the slice of the console manager the CLI drives.
type ManagerInterface interface {
	Execute(ctx context.Context, serverName, command string) (string, error)
	Connect(ctx context.Context, serverName string) error
	Disconnect(serverName string) error
	States() []console.ServerState
	HasServer(serverName string) bool
}

// errQuit signals Start to leave the prompt loop.
var errQuit = errors.New("quit")

// CLI provides the interactive console prompt.
type CLI struct {
	cfg      *config.Config
	eventBus *events.Bus
	manager  ManagerInterface
	store    *history.Store

	selected string
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a new CLI handler. A nil store disables the history
// command. The initially selected server is the configured default.
func NewCLI(cfg *config.Config, eventBus *events.Bus, manager ManagerInterface, store *history.Store) *CLI {
	c := &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		manager:  manager,
		store:    store,
		in:       os.Stdin,
		out:      os.Stdout,
	}
	if entry, ok := cfg.DefaultServer(); ok {
		c.selected = entry.Name
	}
	return c
}

// Start runs the prompt loop until the context is cancelled, the input
// closes, or the user quits. Console failures are printed, never fatal.
func (c *CLI) Start(ctx context.Context) {
	if !c.interactive() {
		log.Warn().Msg("CLI: stdin is not a terminal, interactive console disabled")
		<-ctx.Done()
		return
	}

	fmt.Fprintln(c.out, "\nAdjutant console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")
	if c.selected != "" {
		fmt.Fprintf(c.out, "Target server: %s\n", c.selected)
	}

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Fprint(c.out, "adjutant> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				log.Warn().Err(err).Msg("CLI: input read failed")
			}
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := c.execute(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

// interactive reports whether the input is a real terminal. Non-file
// readers are treated as interactive.
func (c *CLI) interactive() bool {
	f, ok := c.in.(*os.File)
	if !ok {
		return true
	}
	return term.IsTerminal(int(f.Fd()))
}

// execute processes a single console line. Built-ins are handled
// locally; everything else goes to the selected server.
func (c *CLI) execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "servers", "list":
		c.printServers()
	case "use":
		return c.cmdUse(args)
	case "connect":
		return c.cmdConnect(ctx, args)
	case "disconnect":
		return c.cmdDisconnect(args)
	case "history":
		return c.cmdHistory(args)
	case "status":
		c.printStatus()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Adjutant...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return errQuit
	default:
		return c.passthrough(ctx, line)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                  Adjutant Console Commands                   ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  servers             List configured servers and state       ║")
	fmt.Fprintln(c.out, "║  use <name>          Select the target server                ║")
	fmt.Fprintln(c.out, "║  connect [name]      Open the console session now            ║")
	fmt.Fprintln(c.out, "║  disconnect [name]   Close the console session               ║")
	fmt.Fprintln(c.out, "║  history [n]         Show recent command history             ║")
	fmt.Fprintln(c.out, "║  status              Show daemon status                      ║")
	fmt.Fprintln(c.out, "║  quit                Shut down Adjutant                      ║")
	fmt.Fprintln(c.out, "║  help                Show this help message                  ║")
	fmt.Fprintln(c.out, "║                                                              ║")
	fmt.Fprintln(c.out, "║  Anything else is sent to the selected server as a raw       ║")
	fmt.Fprintln(c.out, "║  console command.                                            ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

// printServers displays all configured servers in a formatted table.
// The selected server is marked in the first column.
func (c *CLI) printServers() {
	states := c.manager.States()
	if len(states) == 0 {
		fmt.Fprintln(c.out, "No servers configured. Edit the config file or rerun setup.")
		return
	}

	fmt.Fprintln(c.out)

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"", "Name", "Address", "Connected", "Commands", "Last Command", "Last Error"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, st := range states {
		marker := ""
		if st.Name == c.selected {
			marker = "*"
		}

		connected := "no"
		if st.Connected {
			connected = "yes"
		}

		last := "-"
		if !st.LastCommand.IsZero() {
			last = st.LastCommand.Local().Format("15:04:05")
		}

		tw.Append([]string{
			marker,
			st.Name,
			st.Address,
			connected,
			fmt.Sprintf("%d", st.Commands),
			last,
			st.LastError,
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
}

// printStatus shows what the local daemon is running. Game server state
// lives in the servers table.
func (c *CLI) printStatus() {
	app := c.cfg.GetApplicationData()
	states := c.manager.States()

	connected := 0
	var commands int64
	for _, st := range states {
		if st.Connected {
			connected++
		}
		commands += st.Commands
	}

	selected := c.selected
	if selected == "" {
		selected = "(none)"
	}

	apiLine := "disabled"
	if app.API.Enabled {
		apiLine = fmt.Sprintf("listening on port %d", app.API.Port)
	}

	mqttLine := "disabled"
	if app.MQTT.Enabled {
		mqttLine = fmt.Sprintf("publishing to %s:%d", app.MQTT.BrokerURL, app.MQTT.Port)
	}

	historyLine := "disabled"
	if c.store != nil {
		historyLine = "enabled"
		if n, err := c.store.Count(); err == nil {
			historyLine = fmt.Sprintf("%d entries recorded", n)
		}
	}

	watchLine := "disabled"
	if app.Watch.Enabled && len(app.Watch.Commands) > 0 {
		watchLine = fmt.Sprintf("%d commands every %ds", len(app.Watch.Commands), app.Watch.IntervalSec)
	}

	fmt.Fprintf(c.out, "\n  Config:    %s\n", c.cfg.Path())
	fmt.Fprintf(c.out, "  Servers:   %d configured, %d connected\n", len(states), connected)
	fmt.Fprintf(c.out, "  Commands:  %d this run\n", commands)
	fmt.Fprintf(c.out, "  Selected:  %s\n", selected)
	fmt.Fprintf(c.out, "  API:       %s\n", apiLine)
	fmt.Fprintf(c.out, "  MQTT:      %s\n", mqttLine)
	fmt.Fprintf(c.out, "  History:   %s\n", historyLine)
	fmt.Fprintf(c.out, "  Watch:     %s\n", watchLine)
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdUse(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: use <name>")
	}

	name := args[0]
	if !c.manager.HasServer(name) {
		return fmt.Errorf("unknown server: %s (try 'servers')", name)
	}

	c.selected = name
	fmt.Fprintf(c.out, "Target server: %s\n", name)
	return nil
}

func (c *CLI) cmdConnect(ctx context.Context, args []string) error {
	name, err := c.targetServer(args)
	if err != nil {
		return err
	}

	if err := c.manager.Connect(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Connected to %s\n", name)
	return nil
}

func (c *CLI) cmdDisconnect(args []string) error {
	name, err := c.targetServer(args)
	if err != nil {
		return err
	}

	if err := c.manager.Disconnect(name); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Disconnected from %s\n", name)
	return nil
}

// cmdHistory displays recent command history in a formatted table,
// newest first.
func (c *CLI) cmdHistory(args []string) error {
	if c.store == nil {
		return fmt.Errorf("command history is disabled")
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	entries, err := c.store.Recent("", limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No commands recorded yet.")
		return nil
	}

	fmt.Fprintln(c.out)

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Time", "Server", "Command", "Outcome", "Duration", "Size"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, e := range entries {
		tw.Append([]string{
			e.ExecutedAt.Local().Format("2006-01-02 15:04:05"),
			e.Server,
			e.Command,
			e.Outcome,
			fmt.Sprintf("%dms", e.DurationMS),
			fmt.Sprintf("%dB", e.ResponseSize),
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

// passthrough sends a raw console command to the selected server and
// prints the response body verbatim.
func (c *CLI) passthrough(ctx context.Context, line string) error {
	if c.selected == "" {
		return fmt.Errorf("no server selected: 'use <name>' first")
	}

	response, err := c.manager.Execute(ctx, c.selected, line)
	if err != nil {
		return err
	}

	if response == "" {
		fmt.Fprintln(c.out, "(no output)")
		return nil
	}

	fmt.Fprint(c.out, response)
	if !strings.HasSuffix(response, "\n") {
		fmt.Fprintln(c.out)
	}
	return nil
}

// targetServer resolves the server an optional-argument command acts
// on: explicit argument first, then the selected server.
func (c *CLI) targetServer(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if c.selected == "" {
		return "", fmt.Errorf("no server selected: 'use <name>' first")
	}
	return c.selected, nil
}
