package config

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// defaultAppDataDir is where everything lives unless told otherwise.
var defaultAppDataDir = btcutil.AppDataDir(appName, false)

// netName is the per network directory name. testnet3 keeps the "testnet"
// name used on disk by other btcd based tools.
func netName(params *chaincfg.Params) string {
	switch params.Net {
	case chaincfg.TestNet3Params.Net:
		return "testnet"
	default:
		return params.Name
	}
}

// cleanAndExpandPath expands environment variables and a leading ~.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if path[0] == '~' {
		home := homeDir()
		if home == "" {
			home = filepath.Dir(defaultAppDataDir)
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Clean(os.ExpandEnv(path))
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}
