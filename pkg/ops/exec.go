package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/nicklasfrahm/sshbatch/pkg/batch"
	"github.com/nicklasfrahm/sshbatch/pkg/config"
	"github.com/nicklasfrahm/sshbatch/pkg/credential"
	"github.com/nicklasfrahm/sshbatch/pkg/report"
	"github.com/nicklasfrahm/sshbatch/pkg/rexec"
	"github.com/nicklasfrahm/sshbatch/pkg/sink"
	"github.com/nicklasfrahm/sshbatch/pkg/sshx"
)

// ErrHostsFailed is returned if at least one host did not
// complete the command with exit status 0.
var ErrHostsFailed = errors.New("command failed on at least one host")

// Exec runs command on every host and reports the outcome. It
// returns true if every host exited with status 0. Errors are
// only returned if the batch could not be started.
func Exec(ctx context.Context, hosts []string, command string, options ...Option) (bool, error) {
	// Fetch the options for this operation.
	opts, err := GetDefaultOptions().Apply(options...)
	if err != nil {
		return false, err
	}

	// Load the configuration file.
	cfg, err := config.Load(opts.ConfigPath, opts.ConfigRequired)
	if err != nil {
		return false, err
	}
	if err := cfg.Merge(opts.Overrides); err != nil {
		return false, err
	}
	if err := cfg.Verify(); err != nil {
		return false, err
	}

	cred, err := newCredential(cfg)
	if err != nil {
		return false, err
	}

	// Sessions running concurrently must not prompt at the same time.
	var password []byte
	if cfg.SSH.SudoPassword != "" {
		password = []byte(cfg.SSH.SudoPassword)
	} else if cfg.SSH.Sudo && opts.Async && len(hosts) > 0 {
		if password, err = opts.Prompt("[sudo] password: "); err != nil {
			return false, err
		}
	}

	var hostKeyCallback ssh.HostKeyCallback
	if cfg.SSH.Fingerprint != "" {
		hostKeyCallback = sshx.FingerprintCallback(cfg.SSH.Fingerprint)
	}

	var stdout, stderr *sink.Sink
	var consumers sync.WaitGroup
	if opts.Stream {
		stdout, stderr = sink.New(), sink.New()
		out := &lockedWriter{w: opts.Output}

		for _, s := range []*sink.Sink{stdout, stderr} {
			consumers.Add(1)
			go func(s *sink.Sink) {
				defer consumers.Done()
				consume(s, out)
			}(s)
		}
	}

	hostConfig := sshx.NewFileHostConfig(cfg.SSHConfig)
	factory := func(task rexec.Task) (rexec.Runner, error) {
		return sshx.NewSession(task.Host,
			sshx.WithLogger(opts.Logger),
			sshx.WithCredential(cred),
			sshx.WithHostConfig(hostConfig),
			sshx.WithHostKeyCallback(hostKeyCallback),
			sshx.WithTimeout(cfg.ConnectTimeout),
			sshx.WithPollInterval(cfg.PollInterval),
			sshx.WithSinks(stdout, stderr),
			sshx.WithPrompt(opts.Prompt),
			sshx.WithScriptDir(cfg.ScriptDir),
		)
	}

	coordinator, err := batch.New(factory,
		batch.WithLogger(opts.Logger),
		batch.WithAsync(opts.Async),
		batch.WithConcurrency(cfg.Concurrency),
		batch.WithElevate(cred.Elevate()),
		batch.WithPassword(password),
		batch.WithEnv(cfg.Env),
		batch.WithShell(cfg.Shell),
		batch.WithScript(opts.Script),
	)
	if err != nil {
		return false, err
	}

	reporter, err := report.New(report.WithLogger(opts.Logger))
	if err != nil {
		return false, err
	}

	tasks := make([]rexec.Task, 0, len(hosts))
	for _, host := range hosts {
		tasks = append(tasks, rexec.Task{Host: host, Command: command})
	}

	result := coordinator.Run(ctx, tasks)

	if opts.Stream {
		stdout.Close()
		stderr.Close()
		consumers.Wait()
	}

	return reporter.Reduce(result), nil
}

func newCredential(cfg *config.Config) (*credential.Credential, error) {
	key, err := cfg.SSH.PrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credential.ErrCredential, err)
	}

	options := []credential.Option{
		credential.WithUser(cfg.SSH.User),
		credential.WithElevate(cfg.SSH.Sudo),
	}
	if key != nil {
		options = append(options, credential.WithKey(key, []byte(cfg.SSH.Passphrase)))
	}
	if cfg.SSH.Password != "" {
		options = append(options, credential.WithPassword([]byte(cfg.SSH.Password)))
	}

	return credential.New(options...)
}

// consume prints chunks until the sink is closed and empty.
func consume(s *sink.Sink, w io.Writer) {
	for {
		chunk, ok := s.Next(context.Background())
		if !ok {
			return
		}

		// Prefix every line but write the chunk as one block.
		var block strings.Builder
		for _, line := range strings.SplitAfter(chunk.Text, "\n") {
			if line == "" {
				continue
			}
			block.WriteString("[" + chunk.Host + "] " + line)
			if !strings.HasSuffix(line, "\n") {
				block.WriteString("\n")
			}
		}
		_, _ = io.WriteString(w, block.String())
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.w.Write(p)
}
