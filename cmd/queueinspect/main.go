// queueinspect is a standalone debug entry point for a channel's checkpoint
// file: it opens one read-write (the IndexQueue format has no read-only
// mode) and prints its header fields, active-file refcounts, and ring
// contents, or runs a small interactive REPL over the same state.
//
// Usage:
//
//	queueinspect dump --config <channel.hujson>
//	queueinspect verify --config <channel.hujson>
//	queueinspect inspect --config <channel.hujson>
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/corelane/eventqueue/internal/mmapio"
	"github.com/corelane/eventqueue/pkg/indexqueue"
	"github.com/corelane/eventqueue/pkg/oracle"
	"github.com/corelane/eventqueue/pkg/queueconfig"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run parses args and executes the requested subcommand, returning the
// process exit code: 0 on success, non-zero on I/O or validation failure.
func Run(args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		printUsage(errOut)

		return 1
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "dump":
		return runDump(rest, out, errOut)
	case "verify":
		return runVerify(rest, out, errOut)
	case "inspect":
		return runInspect(rest, out, errOut)
	case "-h", "--help", "help":
		printUsage(out)

		return 0
	default:
		fmt.Fprintf(errOut, "error: unknown command %q\n", sub)
		printUsage(errOut)

		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  queueinspect dump    --config <channel.hujson>")
	fmt.Fprintln(w, "  queueinspect verify  --config <channel.hujson>")
	fmt.Fprintln(w, "  queueinspect inspect --config <channel.hujson>")
}

func parseConfigFlag(fs *flag.FlagSet, args []string) (string, error) {
	configPath := fs.StringP("config", "c", "", "path to the channel's HuJSON config file")

	if err := fs.Parse(args); err != nil {
		return "", err
	}

	if *configPath == "" {
		return "", errors.New("--config is required")
	}

	return *configPath, nil
}

func openQueue(configPath string) (*indexqueue.IndexQueue, queueconfig.Config, error) {
	cfg, err := queueconfig.Load(configPath)
	if err != nil {
		return nil, queueconfig.Config{}, fmt.Errorf("loading config: %w", err)
	}

	opts := indexqueue.Options{
		Path:             cfg.CheckpointPath,
		Capacity:         cfg.Capacity,
		WriteOrderOracle: oracle.New(0),
	}

	if cfg.Writeback == queueconfig.WritebackBuffered {
		opts.OpenRegion = mmapio.OpenBuffered
	}

	q, err := indexqueue.Open(opts)
	if err != nil {
		return nil, queueconfig.Config{}, fmt.Errorf("opening checkpoint %s: %w", cfg.CheckpointPath, err)
	}

	return q, cfg, nil
}

func runDump(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(&strings.Builder{})

	configPath, err := parseConfigFlag(fs, args)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)

		return 1
	}

	q, _, err := openQueue(configPath)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)

		return 1
	}
	defer q.Close()

	if err := printDump(out, q); err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)

		return 1
	}

	return 0
}

func printDump(out io.Writer, q *indexqueue.IndexQueue) error {
	ids, err := q.FileIDs()
	if err != nil {
		return fmt.Errorf("file IDs: %w", err)
	}

	fmt.Fprintf(out, "capacity: %d\n", q.Capacity())
	fmt.Fprintf(out, "size:     %d\n", q.Size())
	fmt.Fprintf(out, "head:     %d\n", q.Head())
	fmt.Fprintln(out, "active files:")

	for _, id := range ids {
		refcount, err := q.Refcount(id)
		if err != nil {
			return fmt.Errorf("refcount for fileID %d: %w", id, err)
		}

		fmt.Fprintf(out, "  fileID=%d refcount=%d\n", id, refcount)
	}

	slots, err := q.RingSlots()
	if err != nil {
		return fmt.Errorf("ring slots: %w", err)
	}

	fmt.Fprintln(out, "ring:")

	for i, ptr := range slots {
		if ptr.IsZero() {
			fmt.Fprintf(out, "%d: 0x%016x\n", i, uint64(ptr))

			continue
		}

		fmt.Fprintf(out, "%d: 0x%016x fileID=%d offset=%d\n", i, uint64(ptr), ptr.FileID(), ptr.Offset())
	}

	return nil
}

func runVerify(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(&strings.Builder{})

	configPath, err := parseConfigFlag(fs, args)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)

		return 1
	}

	q, _, err := openQueue(configPath)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)

		return 1
	}
	defer q.Close()

	fmt.Fprintf(out, "ok: checkpoint valid (size=%d, capacity=%d)\n", q.Size(), q.Capacity())

	return 0
}

func runInspect(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(&strings.Builder{})

	configPath, err := parseConfigFlag(fs, args)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)

		return 1
	}

	q, cfg, err := openQueue(configPath)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)

		return 1
	}
	defer q.Close()

	repl := &repl{queue: q, cfg: cfg, out: out}

	return repl.run()
}

// repl is a small interactive loop over a single opened queue, for ad-hoc
// ring inspection during an incident.
type repl struct {
	queue *indexqueue.IndexQueue
	cfg   queueconfig.Config
	out   io.Writer
	liner *liner.State
}

func (r *repl) run() int {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	fmt.Fprintf(r.out, "queueinspect (checkpoint=%s, capacity=%d)\n", r.cfg.CheckpointPath, r.cfg.Capacity)
	fmt.Fprintln(r.out, "Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("queueinspect> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out, "\nbye")

				return 0
			}

			fmt.Fprintf(r.out, "error reading input: %v\n", err)

			return 1
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Fprintln(r.out, "bye")

			return 0
		case "help", "?":
			r.printHelp()
		case "dump":
			if err := printDump(r.out, r.queue); err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
		case "slot":
			r.cmdSlot(args)
		case "find":
			r.cmdFind(args)
		default:
			fmt.Fprintf(r.out, "unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"dump", "slot", "find", "help", "exit", "quit", "q"}

	var completions []string

	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			completions = append(completions, c)
		}
	}

	return completions
}

func (r *repl) printHelp() {
	fmt.Fprintln(r.out, "Commands:")
	fmt.Fprintln(r.out, "  dump           Print capacity, size, head, refcounts and the full ring")
	fmt.Fprintln(r.out, "  slot <i>       Show the pointer stored at physical ring slot i")
	fmt.Fprintln(r.out, "  find <fileID>  List every ring slot referencing fileID")
	fmt.Fprintln(r.out, "  help           Show this help")
	fmt.Fprintln(r.out, "  exit / quit / q")
}

func (r *repl) cmdSlot(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(r.out, "Usage: slot <i>")

		return
	}

	var i int

	if _, err := fmt.Sscanf(args[0], "%d", &i); err != nil {
		fmt.Fprintf(r.out, "error: invalid slot index %q\n", args[0])

		return
	}

	slots, err := r.queue.RingSlots()
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)

		return
	}

	if i < 0 || i >= len(slots) {
		fmt.Fprintf(r.out, "error: slot %d out of range [0,%d)\n", i, len(slots))

		return
	}

	ptr := slots[i]
	if ptr.IsZero() {
		fmt.Fprintf(r.out, "%d: (empty)\n", i)

		return
	}

	fmt.Fprintf(r.out, "%d: fileID=%d offset=%d\n", i, ptr.FileID(), ptr.Offset())
}

func (r *repl) cmdFind(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(r.out, "Usage: find <fileID>")

		return
	}

	var fileID uint32

	if _, err := fmt.Sscanf(args[0], "%d", &fileID); err != nil {
		fmt.Fprintf(r.out, "error: invalid fileID %q\n", args[0])

		return
	}

	slots, err := r.queue.RingSlots()
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)

		return
	}

	found := false

	for i, ptr := range slots {
		if ptr.IsZero() || ptr.FileID() != fileID {
			continue
		}

		found = true

		fmt.Fprintf(r.out, "%d: offset=%d\n", i, ptr.Offset())
	}

	if !found {
		fmt.Fprintln(r.out, "(no matching slots)")
	}
}
