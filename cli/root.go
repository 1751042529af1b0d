package cli

import (
	"github.com/krau/tumorlens/config"
	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "tumorlens",
		Short: "Brain MRI tumor classification service",
		Long: `tumorlens serves predictions from an ONNX brain MRI classifier over HTTP
and keeps a history of every prediction together with the uploaded image.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.toml", "Path to the TOML config file")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newHistoryCmd(&cfgPath))
	return root
}

func loadConfig(path string) (config.Config, error) {
	return config.Load(path)
}
