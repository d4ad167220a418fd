package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tydell/wisp/internal/config"
)

const (
	stdioStderrTailBytes = 4096
	stdioShutdownGrace   = 2 * time.Second
)

// envAllowlist is the set of environment variables forwarded to a spawned
// server by default. Everything else from the host environment is withheld;
// per-server config entries are layered on top.
var envAllowlist = []string{
	"HOME", "PATH", "USER", "LOGNAME", "SHELL", "TERM", "LANG", "TMPDIR",
	// Windows equivalents.
	"SYSTEMROOT", "SYSTEMDRIVE", "COMSPEC", "PATHEXT", "TEMP", "TMP",
	"USERPROFILE", "APPDATA", "LOCALAPPDATA", "PROGRAMFILES", "WINDIR",
}

func buildSubprocessEnv(overrides map[string]string) []string {
	out := make([]string, 0, len(envAllowlist)+len(overrides))
	seen := make(map[string]struct{}, len(overrides))
	for key, value := range overrides {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key+"="+value)
	}
	for _, key := range envAllowlist {
		if _, overridden := seen[key]; overridden {
			continue
		}
		if value, ok := os.LookupEnv(key); ok {
			out = append(out, key+"="+value)
		}
	}
	for _, item := range os.Environ() {
		key, _, ok := strings.Cut(item, "=")
		if !ok || !strings.HasPrefix(key, "LC_") {
			continue
		}
		if _, overridden := seen[key]; !overridden {
			out = append(out, item)
		}
	}
	return out
}

// stdioTransport exchanges newline-delimited JSON frames with a spawned
// subprocess over its standard pipes.
type stdioTransport struct {
	serverName string
	cfg        config.MCPServerConfig
	maxFrame   int
	grace      time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	reader *bufio.Reader
	stderr *tailBuffer

	writeMu sync.Mutex

	exitOnce sync.Once
	exitErr  error
	exitDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newStdioTransport(serverName string, cfg config.MCPServerConfig) *stdioTransport {
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameBytes
	}
	return &stdioTransport{
		serverName: serverName,
		cfg:        cfg,
		maxFrame:   maxFrame,
		grace:      stdioShutdownGrace,
		stderr:     newTailBuffer(stdioStderrTailBytes),
		exitDone:   make(chan struct{}),
	}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	command := strings.TrimSpace(t.cfg.Command)
	if command == "" {
		return connectionErrf(nil, "mcp server %q: stdio transport requires a command", t.serverName)
	}

	cmd := exec.Command(command, t.cfg.Args...)
	cmd.Env = buildSubprocessEnv(t.cfg.Env)
	cmd.Dir = strings.TrimSpace(t.cfg.Dir)
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return connectionErrf(err, "mcp server %q: create stdin pipe", t.serverName)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return connectionErrf(err, "mcp server %q: create stdout pipe", t.serverName)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return connectionErrf(err, "mcp server %q: create stderr pipe", t.serverName)
	}

	if err := cmd.Start(); err != nil {
		return classifySpawnError(t.serverName, command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.reader = bufio.NewReader(stdout)

	// Drain stderr so the child never blocks on it; keep a bounded tail for
	// error decoration.
	go func() {
		_, _ = io.Copy(t.stderr, stderr)
	}()
	go func() {
		err := cmd.Wait()
		t.exitOnce.Do(func() {
			t.exitErr = err
			close(t.exitDone)
		})
	}()
	return nil
}

func (t *stdioTransport) Send(ctx context.Context, msg Message) error {
	if err := t.exitError(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return protocolErrf(err, "mcp server %q: encode frame", t.serverName)
	}
	frame := append(payload, '\n')

	// One complete frame per write; concurrent senders never interleave.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(frame); err != nil {
		return t.decorate(connectionErrf(err, "mcp server %q: write frame", t.serverName))
	}
	return nil
}

func (t *stdioTransport) Receive(ctx context.Context) (Message, error) {
	for {
		line, err := readLineBounded(t.reader, t.maxFrame)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				return Message{}, resourceLimitErrf("mcp server %q: frame exceeds %d bytes", t.serverName, t.maxFrame)
			}
			return Message{}, t.decorate(connectionErrf(err, "mcp server %q: read frame", t.serverName))
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, protocolErrf(err, "mcp server %q: malformed frame", t.serverName)
		}
		return msg, nil
	}
}

// Close tears the subprocess down in escalating steps: stdin close signals
// EOF, a bounded grace period allows voluntary exit, then the whole process
// tree is terminated and finally force-killed. Idempotent; a concurrent
// Receive observes end-of-stream and returns.
func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cmd == nil {
			return
		}
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.waitExit(t.grace) {
			_ = t.stdout.Close()
			return
		}
		_ = terminateProcessTree(t.cmd.Process, false)
		if t.waitExit(t.grace) {
			_ = t.stdout.Close()
			return
		}
		_ = terminateProcessTree(t.cmd.Process, true)
		if !t.waitExit(t.grace) {
			t.closeErr = connectionErrf(nil, "mcp server %q: process did not exit after kill", t.serverName)
		}
		_ = t.stdout.Close()
	})
	return t.closeErr
}

func (t *stdioTransport) waitExit(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-t.exitDone:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.exitDone:
		return true
	case <-timer.C:
		return false
	}
}

func (t *stdioTransport) exitError() error {
	select {
	case <-t.exitDone:
		if t.exitErr != nil {
			return t.decorate(connectionErrf(t.exitErr, "mcp server %q: process exited", t.serverName))
		}
		return connectionErrf(nil, "mcp server %q: process exited", t.serverName)
	default:
		return nil
	}
}

// decorate attaches the captured stderr tail so the CLI layer can show what
// the server printed before dying.
func (t *stdioTransport) decorate(err error) error {
	if err == nil {
		return nil
	}
	if tail := strings.TrimSpace(t.stderr.String()); tail != "" {
		return errors.WithDetailf(err, "stderr: %s", tail)
	}
	return err
}
