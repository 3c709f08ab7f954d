package executor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
)

// procIO bundles a spawned interpreter with its stream ends. All stream
// files are *os.File so read deadlines work for the poll loops. stderr is
// nil when merged into the PTY.
type procIO struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
	usePTY bool
}

// spawn starts cmd under a PTY. The interactive interpreter needs a
// controlling terminal or it refuses to prompt; script runs fall back to
// plain pipes when no PTY device is available since the shim's markers do
// not depend on terminal semantics.
func spawn(cmd *exec.Cmd, separateStderr, requireTTY bool) (*procIO, error) {
	ptmx, tts, err := pty.Open()
	if err != nil {
		if requireTTY {
			return nil, fmt.Errorf("%w: %v", errNoPTY, err)
		}
		log.Warn().Err(err).Msg("pty unavailable, falling back to pipes")
		return spawnPipes(cmd)
	}

	if err := disableEcho(tts); err != nil {
		log.Warn().Err(err).Msg("disabling pty echo failed")
	}

	cmd.Stdin = tts
	cmd.Stdout = tts
	var errR *os.File
	if separateStderr {
		r, w, perr := os.Pipe()
		if perr != nil {
			ptmx.Close()
			tts.Close()
			return nil, fmt.Errorf("stderr pipe: %w", perr)
		}
		cmd.Stderr = w
		errR = r
		defer w.Close()
	} else {
		cmd.Stderr = tts
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tts.Close()
		if errR != nil {
			errR.Close()
		}
		return nil, fmt.Errorf("%w: %v", errSpawn, err)
	}
	tts.Close()

	return &procIO{cmd: cmd, stdin: ptmx, stdout: ptmx, stderr: errR, usePTY: true}, nil
}

func spawnPipes(cmd *exec.Cmd) (*procIO, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{inR, inW, outR, outW, errR, errW} {
			f.Close()
		}
		return nil, fmt.Errorf("%w: %v", errSpawn, err)
	}
	inR.Close()
	outW.Close()
	errW.Close()

	return &procIO{cmd: cmd, stdin: inW, stdout: outR, stderr: errR}, nil
}

// kill delivers SIGKILL to the interpreter's whole process group so
// children spawned by user code die with it.
func (p *procIO) kill() {
	if p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Group may already be gone; fall back to the direct pid.
		_ = p.cmd.Process.Kill()
	}
}

func (p *procIO) closeStreams() {
	p.stdin.Close()
	if p.stdout != p.stdin {
		p.stdout.Close()
	}
	if p.stderr != nil {
		p.stderr.Close()
	}
}
