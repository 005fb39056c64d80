package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/ipc"
	"github.com/mtzanidakis/flowmesh/internal/natsbus"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

const defaultWaitTimeout = 10 * time.Minute

var errIncomplete = errors.New("workflow did not complete")

var commands = map[string]bool{
	"run": true, "status": true, "list": true, "cancel": true, "agents": true,
}

// parseArgs reads --name value pairs. A flag followed by another flag or by
// nothing is boolean and set to "true".
func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		name, ok := strings.CutPrefix(args[i], "--")
		if !ok || name == "" {
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			result[name] = args[i+1]
			i++
			continue
		}
		result[name] = "true"
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  flowctl run --file <workflow.yaml> [--wait] [--timeout 10m]")
	fmt.Fprintln(os.Stderr, `  flowctl status --id "..."`)
	fmt.Fprintln(os.Stderr, "  flowctl list")
	fmt.Fprintln(os.Stderr, `  flowctl cancel --id "..."`)
	fmt.Fprintln(os.Stderr, "  flowctl agents")
	fmt.Fprintln(os.Stderr, "\nEnvironment:\n  FLOWMESH_NATS_URL   server bus (default nats://localhost:4222)")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("FLOWMESH_NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 || !commands[os.Args[1]] {
		usage()
	}
	// -f is accepted as a shorthand for --file.
	rest := os.Args[2:]
	for i, a := range rest {
		if a == "-f" {
			rest[i] = "--file"
		}
	}

	conn, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		fatal("%v", err)
	}
	defer conn.Close()

	err = execute(context.Background(), ipc.NewClient(conn, ipc.DefaultTimeout), os.Args[1], parseArgs(rest), os.Stdout)
	if errors.Is(err, errIncomplete) {
		conn.Close()
		os.Exit(1)
	}
	if err != nil {
		conn.Close()
		fatal("%v", err)
	}
}

func execute(ctx context.Context, c *ipc.Client, command string, args map[string]string, out io.Writer) error {
	switch command {
	case "run":
		return runWorkflow(ctx, c, args, out)

	case "status":
		if args["id"] == "" {
			return fmt.Errorf("--id is required")
		}
		v, err := c.GetWorkflow(ctx, args["id"])
		if err != nil {
			return err
		}
		return printJSON(out, v)

	case "list":
		list, err := c.ListWorkflows(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No workflows found.")
			return nil
		}
		for _, s := range list {
			fmt.Fprintf(out, "  %s  %-16s  %s  (%d tasks)\n", s.ID, s.Status, s.Name, s.TaskCount)
		}
		return nil

	case "cancel":
		if args["id"] == "" {
			return fmt.Errorf("--id is required")
		}
		v, err := c.Cancel(ctx, args["id"])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow cancelled: %s (%d skipped)\n", v.ID, v.Counts.Skipped)
		return nil

	case "agents":
		agents, err := c.Agents(ctx)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Fprintln(out, "No agents registered.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tDESCRIPTION")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, a.Kind, a.Description)
		}
		return w.Flush()

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runWorkflow(ctx context.Context, c *ipc.Client, args map[string]string, out io.Writer) error {
	if args["file"] == "" {
		return fmt.Errorf("--file is required")
	}
	def, err := workflow.LoadDefinition(args["file"])
	if err != nil {
		return err
	}

	if args["wait"] != "true" {
		v, err := c.RunWorkflow(ctx, def, false)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow submitted: %s\n", v.ID)
		return nil
	}

	timeout := defaultWaitTimeout
	if s := args["timeout"]; s != "" {
		if timeout, err = time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid --timeout: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := c.RunWorkflow(ctx, def, true)
	if err != nil {
		return err
	}
	if err := printJSON(out, v); err != nil {
		return err
	}
	if v.Status != workflow.StatusCompleted {
		return errIncomplete
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
