package cmd_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asterism-org/asterism/cmd"
	"github.com/asterism-org/asterism/internal/test"
)

func TestValidateCommand(t *testing.T) {
	th := test.SetupCommand(t)

	planFile := th.WriteFile(t, "deploy.yaml", `
name: deploy
tasks:
  - id: build
  - id: install
  - id: verify
dependencies:
  - from: build
    to: install
  - from: install
    to: verify
    kind: success_only
`)

	th.RunCommand(t, cmd.CmdValidate(), test.CmdTest{
		Name:        "Valid",
		Args:        []string{"validate", "--file", planFile},
		ExpectedOut: []string{"is valid: 3 tasks, 2 dependencies"},
	})
}

func TestValidateCommandMissingFile(t *testing.T) {
	th := test.SetupCommand(t)

	err := th.RunCommandWithError(t, cmd.CmdValidate(), test.CmdTest{
		Name: "FileFlagRequired",
		Args: []string{"validate"},
	})
	require.Error(t, err)
}
