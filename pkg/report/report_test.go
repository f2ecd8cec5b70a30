package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicklasfrahm/sshbatch/pkg/batch"
	"github.com/nicklasfrahm/sshbatch/pkg/rexec"
)

func newReporter(t *testing.T) (*Reporter, *bytes.Buffer) {
	t.Helper()

	out := new(bytes.Buffer)
	logger := zerolog.New(out)
	r, err := New(WithLogger(&logger))
	require.NoError(t, err)
	return r, out
}

func entry(host string, status int, stdout, stderr string) batch.Entry {
	task := rexec.Task{Host: host, Command: "echo ok"}
	return batch.Entry{
		Task: task,
		Result: &rexec.Result{
			Host:       host,
			Command:    task.Command,
			ExitStatus: status,
			Stdout:     []byte(stdout),
			Stderr:     []byte(stderr),
		},
	}
}

func TestReduce(t *testing.T) {
	tests := []struct {
		name   string
		result batch.Result
		want   bool
	}{
		{
			name: "empty",
			want: true,
		},
		{
			name:   "all succeed",
			result: batch.Result{entry("h1", 0, "ok\n", ""), entry("h2", 0, "ok\n", "")},
			want:   true,
		},
		{
			name:   "non-zero exit",
			result: batch.Result{entry("h1", 0, "ok\n", ""), entry("h2", 1, "", "boom\n")},
			want:   false,
		},
		{
			name: "absent result",
			result: batch.Result{
				entry("h1", 0, "ok\n", ""),
				{Task: rexec.Task{Host: "h2", Command: "echo ok"}, Err: errors.New("connection refused")},
			},
			want: false,
		},
		{
			name: "undecodable output",
			result: batch.Result{
				entry("h1", 0, "\xff\xfe", ""),
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newReporter(t)

			assert.Equal(t, tt.want, r.Reduce(tt.result))
			// Reducing twice yields the same outcome.
			assert.Equal(t, tt.want, r.Reduce(tt.result))
		})
	}
}

func TestReduceLogsFailures(t *testing.T) {
	r, out := newReporter(t)

	r.Reduce(batch.Result{
		entry("h1", 0, "ok\n", ""),
		entry("h2", 2, "", "boom\n"),
	})

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	assert.Contains(t, string(lines[0]), `"level":"info"`)
	assert.Contains(t, string(lines[0]), `"host":"h1"`)
	assert.Contains(t, string(lines[0]), `"stdout":"ok\n"`)

	assert.Contains(t, string(lines[1]), `"level":"error"`)
	assert.Contains(t, string(lines[1]), `"host":"h2"`)
	assert.Contains(t, string(lines[1]), `"command":"echo ok"`)
	assert.Contains(t, string(lines[1]), `"stderr":"boom\n"`)
}

func TestDecode(t *testing.T) {
	text, err := Decode([]byte("ok\n"))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", text)

	text, err = Decode([]byte("a\xffb"))
	assert.ErrorIs(t, err, ErrDecoding)
	assert.Equal(t, "a�b", text)
}
