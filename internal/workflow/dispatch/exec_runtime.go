package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultShell runs "script" specs when ExecRuntime.Shell is empty.
const DefaultShell = "/bin/sh"

// killWaitDelay bounds how long Wait keeps draining output pipes held open by
// grandchildren after the child itself was killed.
const killWaitDelay = 2 * time.Second

// ExecSpec is the part of a task spec ExecRuntime understands. Either Command
// or Script must be set. When dependency results are injected the fields are
// read from the nested "spec" object.
type ExecSpec struct {
	Command []string          `json:"command,omitempty"`
	Script  string            `json:"script,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ParseExecSpec extracts the process description from a task spec.
func ParseExecSpec(raw json.RawMessage) (ExecSpec, error) {
	var wrapper struct {
		ExecSpec
		Spec *ExecSpec `json:"spec"`
	}
	if len(raw) == 0 {
		return ExecSpec{}, fmt.Errorf("exec spec is empty")
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return ExecSpec{}, fmt.Errorf("decode exec spec: %w", err)
	}
	spec := wrapper.ExecSpec
	if len(spec.Command) == 0 && spec.Script == "" && wrapper.Spec != nil {
		spec = *wrapper.Spec
	}
	if len(spec.Command) == 0 && strings.TrimSpace(spec.Script) == "" {
		return ExecSpec{}, fmt.Errorf("exec spec needs a command or a script")
	}
	return spec, nil
}

// ExecRuntime runs one child process per task. The full work item spec is
// written to the child's stdin; stdout becomes the task output.
type ExecRuntime struct {
	// Shell interprets Script specs. Defaults to DefaultShell.
	Shell string
	// Env is appended to the parent environment for every child.
	Env []string

	mu    sync.Mutex
	procs map[Handle]*execProc
}

type execProc struct {
	cmd      *exec.Cmd
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	done     chan struct{}
	waitErr  error
	canceled bool
}

// NewExecRuntime returns an exec runtime using shell for scripts.
func NewExecRuntime(shell string) *ExecRuntime {
	return &ExecRuntime{Shell: shell, procs: map[Handle]*execProc{}}
}

// Start launches the child process.
func (r *ExecRuntime) Start(ctx context.Context, item WorkItem) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	spec, err := ParseExecSpec(item.Spec)
	if err != nil {
		return "", fmt.Errorf("task %s: %w", item.TaskID, err)
	}
	var cmd *exec.Cmd
	if len(spec.Command) > 0 {
		cmd = exec.Command(spec.Command[0], spec.Command[1:]...)
	} else {
		shell := r.Shell
		if shell == "" {
			shell = DefaultShell
		}
		cmd = exec.Command(shell, "-c", spec.Script)
	}
	cmd.Dir = spec.Dir
	cmd.WaitDelay = killWaitDelay
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env, "TRELLIS_TASK_ID="+item.TaskID, "TRELLIS_TASK_KIND="+item.Kind)
	cmd.Env = append(cmd.Env, envPairs(spec.Env)...)
	cmd.Stdin = bytes.NewReader(item.Spec)
	proc := &execProc{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &proc.stdout
	cmd.Stderr = &proc.stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("task %s: start %s: %w", item.TaskID, cmd.Path, err)
	}
	handle := Handle(uuid.NewString())
	r.mu.Lock()
	if r.procs == nil {
		r.procs = map[Handle]*execProc{}
	}
	r.procs[handle] = proc
	r.mu.Unlock()
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	return handle, nil
}

// Poll reports whether the child has exited.
func (r *ExecRuntime) Poll(h Handle) PollResult {
	r.mu.Lock()
	proc, ok := r.procs[h]
	r.mu.Unlock()
	if !ok {
		return PollResult{Done: true, Err: ErrUnknownHandle}
	}
	select {
	case <-proc.done:
	default:
		return PollResult{}
	}
	r.mu.Lock()
	canceled := proc.canceled
	r.mu.Unlock()
	if canceled {
		return PollResult{Done: true, Err: context.Canceled}
	}
	if proc.waitErr != nil {
		return PollResult{Done: true, Err: exitError(proc.waitErr, proc.stderr.String())}
	}
	return PollResult{Done: true, Output: outputJSON(proc.stdout.Bytes())}
}

// Cancel kills the child process.
func (r *ExecRuntime) Cancel(h Handle) error {
	r.mu.Lock()
	proc, ok := r.procs[h]
	if ok {
		proc.canceled = true
	}
	r.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	select {
	case <-proc.done:
		return nil
	default:
	}
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Forget drops an exited process.
func (r *ExecRuntime) Forget(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, h)
}

func exitError(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if detail == "" {
			return fmt.Errorf("exit status %d", exitErr.ExitCode())
		}
		return fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), detail)
	}
	if detail == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, detail)
}

// outputJSON keeps stdout as-is when it is valid JSON and encodes it as a
// JSON string otherwise.
func outputJSON(stdout []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return append(json.RawMessage(nil), trimmed...)
	}
	encoded, _ := json.Marshal(string(trimmed))
	return encoded
}

func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+env[key])
	}
	return pairs
}
