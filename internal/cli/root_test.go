package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersCoreFlags(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	flags := cmd.PersistentFlags()

	for _, name := range flagKeys {
		require.NotNil(t, flags.Lookup(name), "flag %s bound to config but not registered", name)
	}
	require.NotNil(t, flags.Lookup("config"))
	require.NotNil(t, flags.Lookup("env-file"))
	require.Equal(t, "auto", flags.Lookup("backend").DefValue)
	require.Equal(t, "5m0s", flags.Lookup("cycle").DefValue)
	require.Equal(t, "true", flags.Lookup("ship").DefValue)
	require.Equal(t, "false", flags.Lookup("silence-gate").DefValue)
	require.Equal(t, "-65", flags.Lookup("silence-threshold-dbfs").DefValue)
}

func TestRootHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()
	require.NoError(t, err)
	for _, sub := range []string{"run", "record", "process", "devices", "config", "version"} {
		require.Contains(t, out.String(), sub)
	}
}

func TestSubcommandHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		contains string
	}{
		{name: "run", args: []string{"run", "--help"}, contains: "Capture segments continuously"},
		{name: "record", args: []string{"record", "--help"}, contains: "Record a single segment"},
		{name: "process", args: []string{"process", "--help"}, contains: "raw captures retained after a failure"},
		{name: "devices", args: []string{"devices", "--help"}, contains: "List audio input devices"},
		{name: "config", args: []string{"config", "--help"}, contains: "effective configuration"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd := NewRootCmd()
			out := new(bytes.Buffer)
			cmd.SetOut(out)
			cmd.SetErr(out)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			require.NoError(t, err)
			require.Contains(t, out.String(), tt.contains)
		})
	}
}

func TestCommandsDeclareConfigNeeds(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	want := map[string]string{
		"run":     "true",
		"process": "true",
		"config":  "true",
		"record":  configCaptureOnly,
		"devices": "",
		"version": "",
	}
	for name, mode := range want {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, mode, sub.Annotations[annotationConfig], name)
	}
}
