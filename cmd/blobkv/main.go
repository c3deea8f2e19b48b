// blobkv is a REPL CLI for inspecting and driving a blobkv file directly:
// a liner-based REPL with hex-or-text key/value parsing and a command
// dispatch table for variable-length key/value blobs.
//
// Usage:
//
//	blobkv <file>              Open an existing or new store at <file>
//
// Commands (in REPL):
//
//	set <key> <value>       Upsert an entry (hex or plain text)
//	get <key>                Retrieve an entry
//	del <key>                Delete an entry
//	scan [limit]             List entries
//	len                      Count live entries
//	bulk <count> [prefix]    Insert N random entries
//	optimize [--aggressive]  Run heap compaction
//	inspect                  Print a hujson-formatted internal snapshot
//	clear                    Empty the store
//	help                     Show this help
//	exit / quit / q          Exit
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/blobkv/blobkv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) >= 2 && os.Args[1] == "repair" {
		return runRepair(os.Args[2:])
	}

	fs := pflag.NewFlagSet("blobkv", pflag.ExitOnError)
	initialCapacity := fs.Uint32P("initial-capacity", "c", 0, "index slots for a newly created file")
	maxFileSize := fs.Uint64P("max-file-size", "m", 0, "cap the backing file size in bytes (0 = unbounded)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: blobkv [options] <file>\n       blobkv repair <src> [dst]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing file path")
	}

	store, err := blobkv.Open(blobkv.Options{
		Path:            fs.Arg(0),
		InitialCapacity: *initialCapacity,
		MaxFileSize:     *maxFileSize,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	repl := &repl{store: store, path: fs.Arg(0)}
	return repl.run()
}

func runRepair(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: blobkv repair <src> [dst]")
	}

	src := args[0]
	dst := src
	if len(args) >= 2 {
		dst = args[1]
	}

	discarded, err := blobkv.Repair(src, dst)
	if err != nil {
		return fmt.Errorf("repairing %s: %w", src, err)
	}

	if discarded > 0 {
		fmt.Printf("repaired %s -> %s: discarded %d truncated slot(s)\n", src, dst, discarded)
	} else {
		fmt.Printf("repaired %s -> %s: no corruption found\n", src, dst)
	}

	return nil
}

type repl struct {
	store *blobkv.Store
	path  string
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".blobkv_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("blobkv - %s\n", r.path)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("blobkv> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
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
			fmt.Println("Bye!")
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "set", "put":
			r.cmdSet(args)
		case "get":
			r.cmdGet(args)
		case "del", "delete":
			r.cmdDelete(args)
		case "scan", "ls", "list":
			r.cmdScan(args)
		case "len", "count":
			r.cmdLen()
		case "bulk":
			r.cmdBulk(args)
		case "optimize", "compact":
			r.cmdOptimize(args)
		case "inspect":
			r.cmdInspect()
		case "clear":
			r.cmdClear()
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{
		"set", "put", "get", "del", "delete", "scan", "ls", "list",
		"len", "count", "bulk", "optimize", "compact", "inspect",
		"clear", "help", "exit", "quit", "q",
	}

	lower := strings.ToLower(line)
	var completions []string
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  set <key> <value>       Upsert an entry (hex or plain text)")
	fmt.Println("  get <key>               Retrieve an entry")
	fmt.Println("  del <key>               Delete an entry")
	fmt.Println("  scan [limit]            List entries")
	fmt.Println("  len                     Count live entries")
	fmt.Println("  bulk <count> [prefix]   Insert N random entries")
	fmt.Println("  optimize [--aggressive] Run heap compaction")
	fmt.Println("  inspect                 Print a hujson internal snapshot")
	fmt.Println("  clear                   Empty the store")
	fmt.Println("  help                    Show this help")
	fmt.Println("  exit / quit / q         Exit")
}

// parseBytes tries hex first, falls back to the literal string.
func parseBytes(s string) []byte {
	if raw, err := hex.DecodeString(s); err == nil && len(s)%2 == 0 {
		return raw
	}
	return []byte(s)
}

func formatBytes(b []byte) string {
	printable := true
	for _, c := range b {
		if c < 32 || c > 126 {
			printable = false
			break
		}
	}
	if printable {
		return fmt.Sprintf("%q", string(b))
	}
	return hex.EncodeToString(b)
}

func (r *repl) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: set <key> <value>")
		return
	}

	key, value := parseBytes(args[0]), parseBytes(args[1])

	_, existed, err := r.store.Set(key, value)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if existed {
		fmt.Printf("OK: updated %s\n", formatBytes(key))
	} else {
		fmt.Printf("OK: inserted %s\n", formatBytes(key))
	}
}

func (r *repl) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")
		return
	}

	view, found, err := r.store.Get(parseBytes(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if !found {
		fmt.Println("(not found)")
		return
	}

	value, err := view.Bytes()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Value: %s (%s)\n", formatBytes(value), humanize.Bytes(uint64(len(value))))
}

func (r *repl) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")
		return
	}

	_, existed, err := r.store.Delete(parseBytes(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if existed {
		fmt.Printf("OK: deleted %s\n", formatBytes(parseBytes(args[0])))
	} else {
		fmt.Println("OK: key did not exist")
	}
}

func (r *repl) cmdScan(args []string) {
	limit := 20
	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("Error parsing limit: %v\n", err)
			return
		}
		limit = n
	}

	shown := 0
	err := r.store.Each(func(e blobkv.Entry) error {
		if shown >= limit {
			return errScanLimitReached
		}
		shown++
		fmt.Printf("%3d. %s = %s\n", shown, formatBytes(e.Key), formatBytes(e.Value))
		return nil
	})

	if err != nil && !errors.Is(err, errScanLimitReached) {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if shown == 0 {
		fmt.Println("(empty)")
	}
}

var errScanLimitReached = errors.New("scan limit reached")

func (r *repl) cmdLen() {
	n, err := r.store.Len()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Live entries: %d\n", n)
}

func (r *repl) cmdBulk(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: bulk <count> [prefix]")
		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")
		return
	}

	var prefix string
	if len(args) >= 2 {
		prefix = args[1]
	}

	start := time.Now()
	for i := 0; i < count; i++ {
		key := fmt.Sprintf("%s%08x", prefix, rand.Uint32())
		value := fmt.Sprintf("v-%d-%d", i, time.Now().UnixNano())

		if _, _, err := r.store.Set([]byte(key), []byte(value)); err != nil {
			fmt.Printf("Error at entry %d: %v\n", i+1, err)
			return
		}
	}

	elapsed := time.Since(start)
	rate := float64(count) / elapsed.Seconds()
	fmt.Printf("OK: inserted %d entries in %v (%.0f ops/sec)\n", count, elapsed.Round(time.Millisecond), rate)
}

func (r *repl) cmdOptimize(args []string) {
	aggressive := false
	for _, a := range args {
		if a == "--aggressive" || a == "-a" {
			aggressive = true
		}
	}

	start := time.Now()
	if err := r.store.Optimize(aggressive); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("OK: compaction finished in %v\n", time.Since(start).Round(time.Millisecond))
}

func (r *repl) cmdClear() {
	answer, err := r.liner.Prompt("Are you sure you want to clear this store? (yes/no): ")
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	answer = strings.TrimSpace(strings.ToLower(answer))
	if answer != "yes" && answer != "y" {
		fmt.Println("Cancelled.")
		return
	}

	if err := r.store.Clear(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("Store cleared.")
}

// inspectSnapshot is what cmdInspect renders via hujson, so the output stays
// human-editable/commentable the way tailscale/hujson config files are.
type inspectSnapshot struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
}

func (r *repl) cmdInspect() {
	n, err := r.store.Len()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	snap := inspectSnapshot{Path: r.path, Entries: n}

	raw, err := hujsonMarshal(snap)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println(string(raw))
}

// hujsonMarshal validates the snapshot as well-formed HuJSON before
// printing it, so `inspect` output is always safe to hand-edit and feed
// back through a hujson-aware config loader even though this snapshot
// itself has no comments to preserve.
func hujsonMarshal(v any) ([]byte, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := hujson.Parse(raw); err != nil {
		return nil, fmt.Errorf("formatting inspect output: %w", err)
	}
	return raw, nil
}
