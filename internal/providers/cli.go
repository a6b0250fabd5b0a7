package providers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// CLI implements Provider by spawning a configured command per task.
// The prompt is written to stdin; each stdout line becomes one chunk.
// Covers locally installed assistant CLIs that have no HTTP surface.
type CLI struct {
	name  string
	argv  []string
	model string

	// OnProcess observes spawned processes so callers can track them.
	// state is "running" or "exited".
	OnProcess func(agentID string, pid int, state string)
}

func NewCLI(name string, argv []string, model string) (*CLI, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("cli provider %s: empty command", name)
	}
	return &CLI{name: name, argv: argv, model: model}, nil
}

func (p *CLI) Name() string           { return p.name }
func (p *CLI) DefaultModel() string   { return p.model }
func (p *CLI) Capabilities() []string { return []string{CapText} }

func (p *CLI) Complete(ctx context.Context, task Task) (*Result, error) {
	var out strings.Builder
	_, err := p.run(ctx, task, func(line string) error {
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(line)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Text: out.String(), Model: p.model, Provider: p.name}, nil
}

func (p *CLI) Stream(ctx context.Context, task Task, onChunk func(Chunk) error) (*Result, error) {
	var out strings.Builder
	first := true
	_, err := p.run(ctx, task, func(line string) error {
		text := line
		if !first {
			text = "\n" + line
		}
		first = false
		out.WriteString(text)
		return onChunk(Chunk{Text: text})
	})
	if err != nil {
		return nil, err
	}
	if err := onChunk(Chunk{Done: true}); err != nil {
		return nil, err
	}
	return &Result{Text: out.String(), Model: p.model, Provider: p.name}, nil
}

// Probe checks that the binary resolves on PATH without spawning it.
func (p *CLI) Probe(ctx context.Context) error {
	if _, err := exec.LookPath(p.argv[0]); err != nil {
		return fmt.Errorf("cli provider %s: %w", p.name, err)
	}
	return nil
}

func (p *CLI) run(ctx context.Context, task Task, onLine func(string) error) (int, error) {
	if task.Kind == TaskTranscribe || task.Kind == TaskSpeech {
		return 0, fmt.Errorf("%s: audio tasks not supported", p.name)
	}

	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)

	input := task.Prompt
	if task.System != "" {
		input = task.System + "\n\n" + input
	}
	cmd.Stdin = strings.NewReader(input)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("%s: stdout pipe: %w", p.name, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%s: start: %w", p.name, err)
	}
	pid := cmd.Process.Pid
	if p.OnProcess != nil {
		p.OnProcess(task.AgentID, pid, "running")
	}
	defer func() {
		if p.OnProcess != nil {
			p.OnProcess(task.AgentID, pid, "exited")
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lineErr error
	for scanner.Scan() {
		if lineErr = onLine(scanner.Text()); lineErr != nil {
			break
		}
	}
	if lineErr != nil {
		// Abandon the process; CommandContext kills it when ctx ends,
		// and Wait reaps it either way.
		io.Copy(io.Discard, stdout)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return pid, lineErr
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return pid, fmt.Errorf("%s: read output: %w", p.name, err)
	}

	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		if msg == "" {
			return pid, fmt.Errorf("%s: %w", p.name, err)
		}
		return pid, fmt.Errorf("%s: %w: %s", p.name, err, msg)
	}
	return pid, nil
}
