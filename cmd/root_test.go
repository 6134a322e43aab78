package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCmdProperties(t *testing.T) {
	assert.Equal(t, "kube-auth-proxy", rootCmd.Use)
	assert.Equal(t, "Local authenticated proxy for Kubernetes clusters", rootCmd.Short)
	assert.Contains(t, rootCmd.Long, "unix socket")
	assert.Contains(t, rootCmd.Long, "kube-auth-proxy serve")
	assert.True(t, rootCmd.SilenceUsage)
}

func TestSetVersion(t *testing.T) {
	originalVersion := rootCmd.Version
	defer func() {
		rootCmd.Version = originalVersion
	}()

	testVersion := "v1.2.3-test"
	SetVersion(testVersion)

	assert.Equal(t, testVersion, rootCmd.Version)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	var foundCommands []string
	for _, cmd := range rootCmd.Commands() {
		foundCommands = append(foundCommands, cmd.Name())
	}

	for _, name := range []string{"version", "self-update", "serve", "kubeconfig", "status"} {
		assert.Contains(t, foundCommands, name)
	}
}
