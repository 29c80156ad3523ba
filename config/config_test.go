package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	cfg, _, err := Load(append([]string{"--appdata=" + t.TempDir()}, args...))
	return cfg, err
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, rest, err := Load([]string{"--appdata=" + dir, "extra"})
	require.NoError(t, err)
	require.Equal(t, []string{"extra"}, rest)

	require.Equal(t, &chaincfg.MainNetParams, cfg.Params())
	require.Equal(t, filepath.Join(dir, "data", "mainnet"), cfg.DataDir)
	require.Equal(t, filepath.Join(dir, "logs", "mainnet", "utxocheck.log"),
		cfg.LogFile())
	require.Equal(t, filepath.Join(dir, "data", "mainnet", "utxodb"),
		cfg.StorePath())
	require.Equal(t, filepath.Join(dir, "data", "mainnet", "seed"), cfg.SeedFile)
	require.Equal(t, []string{ProviderSoftware}, cfg.ProviderOrder())
	require.Equal(t, ReferenceNone, cfg.Reference)

	cfg, _, err = Load([]string{"--appdata=" + dir, "--dbbackend=bolt"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "data", "mainnet", "utxo.db"),
		cfg.StorePath())

	ac := cfg.AuthorityConfig()
	require.Equal(t, defaultSignTimeout, ac.CallTimeout)
	require.Equal(t, defaultProbeAttempts, ac.ProbeBackoff.Attempts)
}

func TestNetworks(t *testing.T) {
	tests := []struct {
		flag   string
		params *chaincfg.Params
		dir    string
	}{
		{"--testnet", &chaincfg.TestNet3Params, "testnet"},
		{"--regtest", &chaincfg.RegressionNetParams, "regtest"},
		{"--signet", &chaincfg.SigNetParams, "signet"},
	}
	for _, test := range tests {
		cfg, err := load(t, test.flag)
		require.NoError(t, err, test.flag)
		require.Equal(t, test.params, cfg.Params())
		require.Equal(t, test.dir, filepath.Base(cfg.DataDir))
		require.Equal(t, test.params, cfg.ChainContext().Params)
	}

	_, err := load(t, "--testnet", "--regtest")
	require.Error(t, err)
}

func TestProviderOrder(t *testing.T) {
	cfg, err := load(t, "--providers=Token, kms ,software",
		"--kmsurl=http://127.0.0.1:8400")
	require.NoError(t, err)
	require.Equal(t, []string{ProviderToken, ProviderKMS, ProviderSoftware},
		cfg.ProviderOrder())

	for _, bad := range [][]string{
		{"--providers=software,software"},
		{"--providers=yubikey"},
		{"--providers= , "},
		{"--providers=kms"},
	} {
		_, err := load(t, bad...)
		require.Error(t, err, bad)
	}
}

func TestValidation(t *testing.T) {
	for _, bad := range [][]string{
		{"--signtimeout=0s"},
		{"--audittimeout=-1s"},
		{"--probebase=2s", "--probemax=1s"},
		{"--probeattempts=0"},
		{"--batchsize=0"},
		{"--height=-1"},
		{"--debuglevel=loud"},
		{"--debuglevel=NOPE=info"},
		{"--reference=rpc"},
		{"--reference=electrum"},
		{"--dbbackend=rocksdb"},
		{"--reference=btcd", "--auditworkers=0"},
	} {
		_, err := load(t, bad...)
		require.Error(t, err, bad)
	}

	cfg, err := load(t, "--reference=rpc", "--rpcconnect=127.0.0.1:18443",
		"--audittimeout=3s", "--auditworkers=8", "--debuglevel=SIGN=debug")
	require.NoError(t, err)
	hc := cfg.HarnessConfig()
	require.Equal(t, 8, hc.Workers)
	require.Equal(t, 3*time.Second, hc.CallTimeout)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	conf := "[Application Options]\nregtest=1\nheight=700\nbatchsize=7\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultConfigFilename),
		[]byte(conf), 0600))

	cfg, _, err := Load([]string{"--appdata=" + dir, "--batchsize=9"})
	require.NoError(t, err)
	require.Equal(t, &chaincfg.RegressionNetParams, cfg.Params())
	require.Equal(t, int32(700), cfg.Height)
	require.Equal(t, 9, cfg.BatchSize)

	// A missing default file is fine, a missing named one is not.
	_, err = load(t, "--configfile="+filepath.Join(dir, "absent.conf"))
	require.Error(t, err)
}

func TestVersionShortCircuits(t *testing.T) {
	cfg, _, err := Load([]string{"-V", "--providers=bogus"})
	require.NoError(t, err)
	require.True(t, cfg.ShowVersion)
}
