package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/Vigil/pkg/consts"
)

var (
	cfgFile    string
	socketPath string
)

var rootCmd = &cobra.Command{
	Use:           "vigil",
	Short:         "Vigil: WiFi SoC lifecycle and recovery daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the platform daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		socket := ""
		if cmd.Flags().Changed("socket") {
			socket = socketPath
		}
		return runDaemon(cmd.Context(), cfgFile, socket)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/vigil/vigil.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", consts.DefaultControlSocket, "control socket path")
	rootCmd.AddCommand(startCmd)
	addOperatorCommands(rootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
