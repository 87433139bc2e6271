package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ingestgw/uploadgw"
)

func TestRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	require.Equal(t, "serve", serve.Name())

	reapOnce, _, err := root.Find([]string{"reap-once"})
	require.NoError(t, err)
	require.Equal(t, "reap-once", reapOnce.Name())
}

func TestNewLoggerNopWhenLoggingDisabled(t *testing.T) {
	cfg := uploadgw.DefaultConfig()
	cfg.EnableLogging = false

	logger, err := newLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewLoggerBuildsZapLoggerWhenEnabled(t *testing.T) {
	cfg := uploadgw.DefaultConfig()
	cfg.EnableLogging = true
	cfg.Endpoint = "http://localhost:9000"
	cfg.UsePathStyle = true

	logger, err := newLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
}
