package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the kube-auth-proxy application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kube-auth-proxy",
	Short: "Local authenticated proxy for Kubernetes clusters",
	Long: `kube-auth-proxy routes local HTTP traffic to Kubernetes API servers.
Each stored cluster gets its own kubectl proxy bound to a unix socket and
a scoped kubeconfig pointing at http://127.0.0.1:<port>/<cluster-id>, so
local tools never see the real credentials.

When run without subcommands, it starts the router (equivalent to 'kube-auth-proxy serve').`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "kube-auth-proxy version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKubeconfigCmd())
	rootCmd.AddCommand(newStatusCmd())
}
