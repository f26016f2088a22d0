package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:         "config",
		Short:       "Print the effective configuration as YAML",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := app.cfg.YAML()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
