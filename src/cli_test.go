package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintLookup(t *testing.T) {
	var buf bytes.Buffer
	printLookup(&buf, 3780)
	assert.Equal(t, "3780 mV: SOC 64.00 %, SOE 62.00 %\n", buf.String())
}

func TestPrintCheck(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printCheck(&buf, cfg))
	out := buf.String()
	assert.Contains(t, out, "Configuration OK")
	assert.Contains(t, out, "low temperature discharge")
	assert.Contains(t, out, "lower cell voltage")
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bmsctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  prefix: shed\n"), 0600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "shed", cfg.MQTT.Prefix)

	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  prefix: \"shed/#\"\n"), 0600))
	_, err = loadConfig(path)
	assert.Error(t, err)
}

func TestRootCmd_Lookup(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"lookup", "3780"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "SOC 64.00 %")

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"lookup", "lots"})
	assert.Error(t, cmd.Execute())
}
