package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/contexthandler"
)

// newKubeconfigCmd creates the command printing the scoped kubeconfig of a
// stored cluster.
func newKubeconfigCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "kubeconfig <cluster-id>",
		Short: "Print the scoped kubeconfig of a cluster",
		Long: `Print a kubeconfig that reaches the cluster through the local router.
It carries no real credentials: the server is http://127.0.0.1:<port>/<cluster-id>
and the token is the cluster id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("config") {
				loadEnvIfSet(&configPath, envConfig)
			}
			if !cmd.Flags().Changed("port") {
				if p, ok := parseIntEnv(os.Getenv(envPort), envPort); ok {
					port = p
				}
			}

			data, err := scopedKubeconfig(configPath, port, args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "Cluster store file (can also be set via "+envConfig+" env var)")
	cmd.Flags().IntVar(&port, "port", cluster.DefaultPort, "Loopback router port (can also be set via "+envPort+" env var)")
	return cmd
}

func scopedKubeconfig(configPath string, port int, id string) ([]byte, error) {
	store, err := cluster.Open(configPath, cluster.WithPort(port))
	if err != nil {
		return nil, err
	}
	c, ok := store.Get(id)
	if !ok {
		return nil, fmt.Errorf("cluster %s not found in %s", id, configPath)
	}
	source, err := c.SourceConfig()
	if err != nil {
		return nil, err
	}
	h, err := contexthandler.New(source, c)
	if err != nil {
		return nil, err
	}
	return h.ScopedKubeconfig()
}
