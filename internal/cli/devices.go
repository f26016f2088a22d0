package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/fmueller/ambirec/internal/capture"
	"github.com/spf13/cobra"
)

func newDevicesCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices and backend diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backends := capture.DefaultBackends(runtime.GOOS)
			if len(backends) == 0 {
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}

			out := cmd.OutOrStdout()
			for _, backend := range backends {
				fmt.Fprintf(out, "== %s ==\n", backend.Name())
				printBackendDevices(cmd, out, backend)
				fmt.Fprintln(out)
			}

			if selected, err := capture.SelectBackend(backends, "auto"); err == nil {
				fmt.Fprintf(out, "auto selects: %s\n", selected.Name())
			} else {
				app.log().Warn("no recording backend available")
				fmt.Fprintln(out, "auto selects: none")
			}
			return nil
		},
	}
}

func printBackendDevices(cmd *cobra.Command, out io.Writer, backend capture.Backend) {
	if !backend.Available() {
		fmt.Fprintln(out, "not available on PATH")
		return
	}

	listing, err := backend.ListDevices(cmd.Context())
	switch {
	case err != nil:
		fmt.Fprintf(out, "failed to list devices: %v\n", err)
	case listing == "":
		fmt.Fprintln(out, "no output")
	default:
		fmt.Fprintln(out, listing)
	}
}
