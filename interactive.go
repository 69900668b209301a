package evcctrmnl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/kradalby/evcc-trmnl/events"
	"github.com/kradalby/evcc-trmnl/pipeline"
)

const interactiveHelp = `Commands:
  stats   show counters
  test    send the built-in test screen
  poll    poll evcc and send if changed
  send    poll evcc and send now
  start   start background polling
  stop    stop background polling
  raw     print the raw evcc state
  html    print the rendered screen
  device  show what the TRMNL device will display next
  help    show this help
  quit    exit`

// Interactive reads commands from in until quit, EOF or ctx is cancelled.
func (a *App) Interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(out, "evcc-trmnl interactive mode")
	fmt.Fprintln(out, interactiveHelp)

	defer func() {
		if a.pipeline.Running() {
			_ = a.pipeline.Stop()
		}
		fmt.Fprintln(out, "Goodbye!")
	}()

	for {
		fmt.Fprint(out, "\n> ")

		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		cmd := strings.ToLower(strings.TrimSpace(line))
		if cmd == "" {
			continue
		}
		if cmd == "quit" || cmd == "exit" {
			return nil
		}

		a.runCommand(ctx, cmd, out)
	}
}

func (a *App) runCommand(ctx context.Context, cmd string, out io.Writer) {
	p := a.pipeline

	switch cmd {
	case "stats":
		printStats(out, p.Stats())

	case "test":
		if a.sink == nil {
			fmt.Fprintln(out, pipeline.ErrSinkDisabled)
			return
		}
		fmt.Fprintln(out, describeOutcome(p.SendTest(ctx)))

	case "poll":
		fmt.Fprintln(out, describeOutcome(p.RunCycle(ctx)))

	case "send":
		fmt.Fprintln(out, describeOutcome(p.SendCurrent(ctx, events.TriggerManual)))

	case "start":
		if err := p.Start(ctx); err != nil {
			fmt.Fprintln(out, "Already running")
			return
		}
		fmt.Fprintln(out, "Polling started")

	case "stop":
		if err := p.Stop(); err != nil {
			fmt.Fprintln(out, "Not running")
			return
		}
		fmt.Fprintln(out, "Polling stopped")

	case "raw":
		raw, err := p.Raw(ctx)
		if err != nil {
			fmt.Fprintln(out, "Failed to fetch evcc state:", err)
			return
		}
		if err := writeIndented(out, raw); err != nil {
			fmt.Fprintln(out, err)
		}

	case "html":
		html, err := p.RenderCurrent(ctx)
		if err != nil {
			fmt.Fprintln(out, "Failed to fetch or parse evcc state:", err)
			return
		}
		fmt.Fprintln(out, html)

	case "device":
		if a.sink == nil {
			fmt.Fprintln(out, pipeline.ErrSinkDisabled)
			return
		}
		raw, err := a.sink.Display(ctx)
		if err != nil {
			fmt.Fprintln(out, "Failed to query TRMNL display:", err)
			return
		}
		if err := writeIndented(out, raw); err != nil {
			fmt.Fprintln(out, err)
		}

	case "help", "?":
		fmt.Fprintln(out, interactiveHelp)

	default:
		fmt.Fprintf(out, "Unknown command %q. Type help for a list.\n", cmd)
	}
}

func printStats(out io.Writer, s pipeline.Stats) {
	polling := "stopped"
	if s.Running {
		polling = "running"
	}

	fmt.Fprintln(out, "=== Statistics ===")
	fmt.Fprintf(out, "Polling:          %s\n", polling)
	fmt.Fprintf(out, "API calls:        %s\n", humanize.Comma(int64(s.APICalls)))
	fmt.Fprintf(out, "API successes:    %s\n", humanize.Comma(int64(s.APISuccesses)))
	fmt.Fprintf(out, "API errors:       %s\n", humanize.Comma(int64(s.APIErrors)))
	fmt.Fprintf(out, "Parse errors:     %s\n", humanize.Comma(int64(s.NormalizeErrors)))
	fmt.Fprintf(out, "HTTP errors:      %s\n", humanize.Comma(int64(s.HTTPErrors)))
	fmt.Fprintf(out, "Screens sent:     %s\n", humanize.Comma(int64(s.Deliveries)))
	fmt.Fprintf(out, "Skipped:          %d unchanged, %d rate limited\n", s.SkippedUnchanged, s.SkippedRateLimited)
	fmt.Fprintf(out, "Last success:     %s\n", ago(s.LastSuccess))
	fmt.Fprintf(out, "Last delivery:    %s\n", ago(s.LastDeliveredAt))
	fmt.Fprintf(out, "Last error:       %s\n", ago(s.LastError))
	if s.LastErrorMessage != "" {
		fmt.Fprintf(out, "Last error cause: %s\n", s.LastErrorMessage)
	}
}
