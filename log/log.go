// Package log owns the logging backend shared by every subsystem. Output
// goes to stdout and, once InitLogRotator has been called, to a size
// rotated log file.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/differential"
	"github.com/mit-dci/utxocheck/interpreter"
	"github.com/mit-dci/utxocheck/invariant"
	"github.com/mit-dci/utxocheck/mempool"
	"github.com/mit-dci/utxocheck/psbtsign"
	"github.com/mit-dci/utxocheck/signer"
	"github.com/mit-dci/utxocheck/utxo"
)

const (
	// RotateThresholdKB is the size at which the log file is rolled.
	RotateThresholdKB = 10 * 1024

	maxRolls = 3
)

// logWriter copies everything to stdout and the rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)

	rotatorMu.Lock()
	if logRotator != nil {
		logRotator.Write(p)
	}
	rotatorMu.Unlock()
	return len(p), nil
}

var (
	backendLog = btclog.NewBackend(logWriter{})

	rotatorMu  sync.Mutex
	logRotator *rotator.Rotator

	// Main is the daemon's own logger.
	Main = backendLog.Logger("MAIN")

	consLog = backendLog.Logger("CONS")
	intpLog = backendLog.Logger("INTP")
	invtLog = backendLog.Logger("INVT")
	diffLog = backendLog.Logger("DIFF")
	signLog = backendLog.Logger("SIGN")
	utxoLog = backendLog.Logger("UTXO")
	mempLog = backendLog.Logger("MEMP")
	psbtLog = backendLog.Logger("PSBT")
)

func init() {
	consensus.UseLogger(consLog)
	interpreter.UseLogger(intpLog)
	invariant.UseLogger(invtLog)
	differential.UseLogger(diffLog)
	signer.UseLogger(signLog)
	utxo.UseLogger(utxoLog)
	mempool.UseLogger(mempLog)
	psbtsign.UseLogger(psbtLog)
}

var subsystemLoggers = map[string]btclog.Logger{
	"MAIN": Main,
	"CONS": consLog,
	"INTP": intpLog,
	"INVT": invtLog,
	"DIFF": diffLog,
	"SIGN": signLog,
	"UTXO": utxoLog,
	"MEMP": mempLog,
	"PSBT": psbtLog,
}

// InitLogRotator starts writing log output to logFile as well as stdout.
// It must be called before the file is expected to hold anything.
func InitLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, RotateThresholdKB, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	rotatorMu.Lock()
	logRotator = r
	rotatorMu.Unlock()
	return nil
}

// Close stops writing to the log file.
func Close() error {
	rotatorMu.Lock()
	defer rotatorMu.Unlock()
	if logRotator == nil {
		return nil
	}
	err := logRotator.Close()
	logRotator = nil
	return err
}

// SupportedSubsystems returns the sorted subsystem tags.
func SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for tag := range subsystemLoggers {
		subsystems = append(subsystems, tag)
	}
	sort.Strings(subsystems)
	return subsystems
}

// Logger returns the logger for a subsystem tag.
func Logger(tag string) (btclog.Logger, bool) {
	l, ok := subsystemLoggers[tag]
	return l, ok
}

// SetLogLevel sets one subsystem's level. Unknown subsystems are ignored.
func SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets every subsystem to logLevel.
func SetLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		SetLogLevel(subsystemID, logLevel)
	}
}

func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}

// ParseDebugLevels checks a debug level string. It is either a single
// level applied to everything, or comma separated SUBSYSTEM=level pairs.
func ParseDebugLevels(debugLevel string) (map[string]string, error) {
	levels := make(map[string]string)
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			return nil, fmt.Errorf("the specified debug level [%v] is invalid",
				debugLevel)
		}
		for subsystemID := range subsystemLoggers {
			levels[subsystemID] = debugLevel
		}
		return levels, nil
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("the specified debug level contains an "+
				"invalid subsystem/level pair [%v]", pair)
		}
		subsysID, logLevel := fields[0], fields[1]
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return nil, fmt.Errorf("the specified subsystem [%v] is invalid "+
				"-- supported subsystems %v", subsysID, SupportedSubsystems())
		}
		if !validLogLevel(logLevel) {
			return nil, fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}
		levels[subsysID] = logLevel
	}
	return levels, nil
}

// ParseAndSetDebugLevels applies a debug level string. Nothing is changed
// when the string is invalid.
func ParseAndSetDebugLevels(debugLevel string) error {
	levels, err := ParseDebugLevels(debugLevel)
	if err != nil {
		return err
	}
	for subsystemID, level := range levels {
		SetLogLevel(subsystemID, level)
	}
	return nil
}
