// cmd/trellis/main.go
//
// This is the entry point for the trellis CLI.
//
//	trellis serve    run the orchestrator with its control API
//	trellis run      execute one batch in-process until it drains
//	trellis status   print the status summary of a running server
//	trellis watch    open the live dashboard
//	trellis submit   send a batch file to a running server
//	trellis cancel   cancel a task on a running server
//	trellis limit    change the concurrency limit of a running server

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

const usage = `usage: trellis <command> [flags]

commands:
  serve    run the orchestrator and its control API
  run      execute a batch file in-process until it drains
  status   print the status of a running orchestrator
  watch    open the live dashboard
  submit   submit a batch file to a running orchestrator
  cancel   cancel a task
  limit    set the concurrency limit (0 = unlimited)
`

func main() {
	os.Exit(runCommand(os.Args[1:], os.Stdout, os.Stderr))
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(rest, stdout, stderr)
	case "run":
		return runBatch(rest, stdout, stderr)
	case "status":
		return runStatus(rest, stdout, stderr)
	case "watch":
		return runWatch(rest, stdout, stderr)
	case "submit":
		return runSubmit(rest, stdout, stderr)
	case "cancel":
		return runCancel(rest, stdout, stderr)
	case "limit":
		return runLimit(rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

func fail(stderr io.Writer, format string, args ...any) int {
	fmt.Fprintf(stderr, format+"\n", args...)
	return 1
}

// keyValueFlag collects repeatable KEY=VALUE flags.
type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("key is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = parts[1]
	return nil
}

// Pairs returns the entries as KEY=VALUE strings for a process environment.
func (kv keyValueFlag) Pairs() []string {
	out := make([]string, 0, len(kv))
	for key, value := range kv {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}
