package agent

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// terminalOutput receives terminal bytes for one session.
type terminalOutput func(sessionID, data string)

// termSession is one interactive shell subprocess. The shell runs
// without a pty; line-oriented use works everywhere and keeps the
// agent dependency-free.
type termSession struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// Terminals manages interactive shell sessions spawned by the server.
type Terminals struct {
	mu       sync.Mutex
	sessions map[string]*termSession
	out      terminalOutput
	closed   func(sessionID string)
}

func NewTerminals(out terminalOutput, closed func(sessionID string)) *Terminals {
	return &Terminals{
		sessions: make(map[string]*termSession),
		out:      out,
		closed:   closed,
	}
}

// Spawn starts a shell for the session and begins relaying its output.
func (t *Terminals) Spawn(sessionID string) error {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell, "-i")
	cmd.Env = append(os.Environ(), "TERM=dumb")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open shell stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open shell stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	sess := &termSession{id: sessionID, cmd: cmd, stdin: stdin}
	t.mu.Lock()
	t.sessions[sessionID] = sess
	t.mu.Unlock()

	go t.relay(sess, stdout)
	return nil
}

func (t *Terminals) relay(sess *termSession, stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			t.out(sess.id, string(buf[:n]))
		}
		if err != nil {
			break
		}
	}
	_ = sess.cmd.Wait()

	t.mu.Lock()
	delete(t.sessions, sess.id)
	t.mu.Unlock()
	if t.closed != nil {
		t.closed(sess.id)
	}
}

// Input writes keystrokes into a session's shell.
func (t *Terminals) Input(sessionID, data string) error {
	t.mu.Lock()
	sess, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown terminal session %s", sessionID)
	}
	_, err := io.WriteString(sess.stdin, data)
	return err
}

// Resize is accepted for protocol compatibility; without a pty there
// is no window to resize.
func (t *Terminals) Resize(sessionID string, cols, rows int) error {
	t.mu.Lock()
	_, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown terminal session %s", sessionID)
	}
	return nil
}

// Close ends one session's shell.
func (t *Terminals) Close(sessionID string) {
	t.mu.Lock()
	sess, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if ok {
		_ = sess.stdin.Close()
		_ = sess.cmd.Process.Kill()
	}
}

// CloseAll ends every session, used at shutdown.
func (t *Terminals) CloseAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Close(id)
	}
}
