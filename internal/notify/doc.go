// Package notify delivers per-cluster proxy log and diagnostic messages to
// interested consumers such as the log stream endpoint.
//
// Messages are published to channels named kube-auth:<clusterId>. Publishing
// never blocks: every subscriber owns a buffered channel and messages that do
// not fit are dropped and counted. Each channel keeps a bounded history so
// late subscribers can replay recent output.
package notify
