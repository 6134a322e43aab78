// Package authproxy supervises the per-cluster authenticating proxy process.
//
// A Supervisor runs "<kubectl> proxy" bound to the cluster's unix socket
// with the cluster's materialized kubeconfig. It forwards the process output
// to a Notifier on the kube-auth:<clusterId> channel, classifies diagnostic
// output into a pollable last error, and writes kubeconfig edits made while
// the process runs back to the cluster record.
//
// Run is idempotent while a process is alive and blocks until the socket
// exists, bounded by a ready timeout:
//
//	sup := authproxy.New(cluster,
//		authproxy.WithEnv(authproxy.MergeEnv(os.Environ(), map[string]string{"HTTPS_PROXY": proxyURL})),
//		authproxy.WithNotifier(bus),
//	)
//	if err := sup.Run(ctx); err != nil {
//		fmt.Println(authproxy.UserFacingError(err))
//	}
package authproxy
