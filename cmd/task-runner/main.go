// cmd/task-runner/main.go
//
// task-runner executes a single exec task outside the orchestrator, which is
// handy for checking a worker spec before putting it in a batch.
//
//	task-runner --script 'echo {"ok":true}'
//	task-runner --spec build.yaml --set dir=/tmp/build --env GOFLAGS=-mod=mod
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/trellis/internal/workflow/dispatch"
)

func main() {
	specFile := flag.String("spec", "", "path to YAML/JSON file holding the task spec")
	script := flag.String("script", "", "shell script to run (shorthand for a spec with only \"script\")")
	command := flag.String("command", "", "command to run, split on whitespace (shorthand for a spec with only \"command\")")
	taskID := flag.String("id", "adhoc", "task id reported to the worker")
	kind := flag.String("kind", "exec", "task kind reported to the worker")
	shell := flag.String("shell", dispatch.DefaultShell, "shell used for script specs")
	pollInterval := flag.Duration("poll", 200*time.Millisecond, "poll interval while waiting for completion")
	setupTimeout := flag.Duration("setup-timeout", dispatch.DefaultSetupTimeout, "how long the worker may take to start")
	verbose := flag.Bool("v", false, "log dispatcher activity to stderr")
	sets := keyValueFlag{}
	flag.Var(&sets, "set", "spec override (key=value, repeatable)")
	env := keyValueFlag{}
	flag.Var(&env, "env", "extra worker environment (KEY=VALUE, repeatable)")
	flag.Parse()

	spec, err := buildSpec(*specFile, *script, *command, sets)
	if err != nil {
		die("build spec: %v", err)
	}
	if _, err := dispatch.ParseExecSpec(spec); err != nil {
		die("%v", err)
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			die("logger: %v", err)
		}
	}
	defer logger.Sync()

	runtime := dispatch.NewExecRuntime(*shell)
	runtime.Env = env.Pairs()
	dp, err := dispatch.New(runtime, dispatch.WithSetupTimeout(*setupTimeout), dispatch.WithLogger(logger))
	if err != nil {
		die("dispatcher: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	if _, err := dp.Start(ctx, dispatch.WorkItem{TaskID: *taskID, Kind: *kind, Spec: spec}); err != nil {
		die("start %s: %v", *taskID, err)
	}
	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()
	for {
		res := dp.Poll(*taskID)
		if res.Done {
			dp.Release(*taskID)
			if res.Err != nil {
				die("%s failed after %s: %v", *taskID, time.Since(started).Round(time.Millisecond), res.Err)
			}
			fmt.Println(string(res.Output))
			fmt.Fprintf(os.Stderr, "%s completed in %s\n", *taskID, time.Since(started).Round(time.Millisecond))
			return
		}
		select {
		case <-ctx.Done():
			if err := dp.Cancel(*taskID); err != nil {
				logger.Warn("cancel", zap.Error(err))
			}
			dp.Release(*taskID)
			die("%s cancelled", *taskID)
		case <-ticker.C:
		}
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	return strings.Join(kv.Pairs(), ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("key is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = val
	return nil
}

func (kv keyValueFlag) Pairs() []string {
	out := make([]string, 0, len(kv))
	for key, value := range kv {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}

// buildSpec merges the spec file, the --script/--command shorthands and the
// --set overrides, in that order, and encodes the result as JSON.
func buildSpec(specFile, script, command string, overrides keyValueFlag) (json.RawMessage, error) {
	spec := map[string]any{}
	if path := strings.TrimSpace(specFile); path != "" {
		fileSpec, err := readSpecFile(path)
		if err != nil {
			return nil, err
		}
		spec = fileSpec
	}
	if strings.TrimSpace(script) != "" {
		spec["script"] = script
	}
	if fields := strings.Fields(command); len(fields) > 0 {
		spec["command"] = fields
	}
	for key, value := range overrides {
		spec[key] = value
	}
	if len(spec) == 0 {
		return nil, fmt.Errorf("one of --spec, --script or --command is required")
	}
	encoded, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	return encoded, nil
}

func readSpecFile(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open spec file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, expected a file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("spec file %s is empty", path)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse spec file %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}
