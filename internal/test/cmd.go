package test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// CmdTest is a helper struct to test commands.
type CmdTest struct {
	Name        string   // Name of the test.
	Args        []string // Arguments to pass to the command.
	ExpectedOut []string // Expected output on stdout or stderr.
}

// Command drives one CLI command against files under a temp directory,
// capturing everything the command writes. Output capture swaps the
// process-wide stdout and stderr, so command tests must not run in
// parallel.
type Command struct {
	Dir string

	t *testing.T
}

// SetupCommand returns a command harness rooted in a fresh temp directory.
func SetupCommand(t *testing.T) Command {
	t.Helper()
	return Command{Dir: t.TempDir(), t: t}
}

// WriteFile drops a file under the harness directory and returns its path.
func (th Command) WriteFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(th.Dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// RunCommand executes the command and requires success plus every expected
// output fragment.
func (th Command) RunCommand(t *testing.T, cmd *cobra.Command, testCase CmdTest) {
	t.Helper()

	output, err := th.execute(t, cmd, testCase.Args)
	require.NoError(t, err, "command output:\n%s", output)

	for _, expected := range testCase.ExpectedOut {
		require.Contains(t, output, expected)
	}
}

// RunCommandWithError executes the command and returns its error without
// failing the test, still checking expected output on success.
func (th Command) RunCommandWithError(t *testing.T, cmd *cobra.Command, testCase CmdTest) error {
	t.Helper()

	output, err := th.execute(t, cmd, testCase.Args)
	if err == nil {
		for _, expected := range testCase.ExpectedOut {
			require.Contains(t, output, expected)
		}
	}
	return err
}

// execute runs the command under a fresh root with stdout and stderr
// diverted into a buffer.
func (th Command) execute(t *testing.T, cmd *cobra.Command, args []string) (string, error) {
	t.Helper()

	cmdRoot := &cobra.Command{Use: "root", SilenceUsage: true}
	cmdRoot.AddCommand(cmd)
	cmdRoot.SetArgs(args)

	origOut, origErr := os.Stdout, os.Stderr
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout, os.Stderr = w, w

	collected := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		collected <- buf.String()
	}()

	execErr := cmdRoot.ExecuteContext(context.Background())

	_ = w.Close()
	os.Stdout, os.Stderr = origOut, origErr
	return <-collected, execErr
}
