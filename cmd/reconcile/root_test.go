package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["drain"])
	assert.True(t, names["status"])
	assert.True(t, names["revive"])
}

func TestDrainCmd_Flags(t *testing.T) {
	cmd := newDrainCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--max", "7", "--max-attempts", "2"}))

	limit, err := cmd.Flags().GetInt("max")
	require.NoError(t, err)
	assert.Equal(t, 7, limit)

	attempts, err := cmd.Flags().GetInt("max-attempts")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDrainCmd_RejectsNonPositiveMax(t *testing.T) {
	cmd := newDrainCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--max", "0"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--max")
}
