package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/giantswarm/kube-auth-proxy/internal/cluster"
	"github.com/giantswarm/kube-auth-proxy/internal/clusters"
)

// statusTimeout bounds the status request to a running server.
const statusTimeout = 5 * time.Second

// newStatusCmd creates the command listing the clusters of a running server.
func newStatusCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the clusters of a running kube-auth-proxy",
		Long: `Query /kube-auth/status of the server listening on the loopback port
and print one line per cluster with its proxy state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("port") {
				if p, ok := parseIntEnv(os.Getenv(envPort), envPort); ok {
					port = p
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()

			statuses, err := fetchStatus(ctx, fmt.Sprintf("http://127.0.0.1:%d/kube-auth/status", port))
			if err != nil {
				return err
			}
			return renderStatus(cmd.OutOrStdout(), statuses)
		},
	}

	cmd.Flags().IntVar(&port, "port", cluster.DefaultPort, "Loopback router port (can also be set via "+envPort+" env var)")
	return cmd
}

func fetchStatus(ctx context.Context, url string) ([]clusters.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kube-auth-proxy is not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed: %s", resp.Status)
	}

	var body struct {
		Clusters []clusters.Status `json:"clusters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return body.Clusters, nil
}

func renderStatus(w io.Writer, statuses []clusters.Status) error {
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, "No active clusters.")
		return err
	}

	title := cases.Title(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tPROXY\tURL\tLAST ERROR")
	for _, s := range statuses {
		state := "stopped"
		if s.ProxyRunning {
			state = "running"
		}
		lastError := s.LastError
		if lastError == "" {
			lastError = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.DisplayName, title.String(state), s.APIBaseURL, lastError)
	}
	return tw.Flush()
}
