// Package config loads utxocheckd settings from the command line and an
// optional ini style config file. Command line options win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/differential"
	"github.com/mit-dci/utxocheck/log"
	"github.com/mit-dci/utxocheck/signer"
	"github.com/mit-dci/utxocheck/util"
)

// Config holds every option. Fields without a long tag are derived by
// Load.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	TestNet3       bool `long:"testnet" description:"Use the test network"`
	RegressionTest bool `long:"regtest" description:"Use the regression test network"`
	SigNet         bool `long:"signet" description:"Use the signet test network"`

	Height         int32  `long:"height" description:"Height of the tip transactions are validated on top of"`
	MedianTimePast int64  `long:"mediantime" description:"Median time past of the tip in unix seconds"`
	Workers        int    `long:"workers" description:"Validation goroutines per batch, 0 for three per CPU"`
	BatchSize      int    `long:"batchsize" description:"Transactions admitted per batch"`
	InMemory       bool   `long:"inmemory" description:"Keep the unspent output set in memory instead of on disk"`
	DBBackend      string `long:"dbbackend" choice:"leveldb" choice:"bolt" description:"Database backend of the unspent output set"`

	Reference    string        `long:"reference" choice:"none" choice:"btcd" choice:"rpc" description:"Reference implementation to audit verdicts against"`
	RPCConnect   string        `long:"rpcconnect" description:"host:port of the bitcoind used as reference"`
	RPCUser      string        `long:"rpcuser" description:"Reference RPC user"`
	RPCPass      string        `long:"rpcpass" default-mask:"-" description:"Reference RPC password"`
	RPCTLS       bool          `long:"rpctls" description:"Use TLS for the reference RPC connection"`
	AuditWorkers int           `long:"auditworkers" description:"Goroutines auditing verdicts against the reference"`
	AuditQueue   int           `long:"auditqueue" description:"Audits that may wait before new ones are dropped"`
	AuditTimeout time.Duration `long:"audittimeout" description:"Timeout for one reference call"`
	SigCacheSize uint          `long:"sigcachesize" description:"Signatures the in process reference remembers"`

	Providers     string        `long:"providers" description:"Comma separated signing providers in fallback order: software, token, kms"`
	SeedFile      string        `long:"seedfile" description:"Hex seed of the software keychain, created if missing"`
	KMSURL        string        `long:"kmsurl" description:"Base URL of the remote KMS"`
	KMSToken      string        `long:"kmstoken" default-mask:"-" description:"Bearer token for the remote KMS"`
	KMSListen     string        `long:"kmslisten" description:"Serve the software keychain as a KMS on this address"`
	SignTimeout   time.Duration `long:"signtimeout" description:"Timeout for one signing provider call"`
	ProbeAttempts int           `long:"probeattempts" description:"Probes per provider before falling back"`
	ProbeBase     time.Duration `long:"probebase" description:"Delay before the first probe retry"`
	ProbeMax      time.Duration `long:"probemax" description:"Longest delay between probe retries"`
	SignerAudit   string        `long:"signeraudit" description:"File receiving the signer audit trail"`

	params    *chaincfg.Params
	providers []string
}

func defaultConfig() Config {
	return Config{
		AppDataDir:    defaultAppDataDir,
		DebugLevel:    defaultLogLevel,
		BatchSize:     defaultBatchSize,
		DBBackend:     DBLevelDB,
		Reference:     defaultReference,
		AuditWorkers:  defaultAuditWorkers,
		AuditQueue:    defaultAuditQueue,
		AuditTimeout:  defaultAuditTimeout,
		SigCacheSize:  defaultSigCacheSize,
		Providers:     defaultProviders,
		SignTimeout:   defaultSignTimeout,
		ProbeAttempts: defaultProbeAttempts,
		ProbeBase:     defaultProbeBase,
		ProbeMax:      defaultProbeMax,
	}
}

// Load parses args on top of the config file and the defaults. The file
// is the one named by --configfile, or utxocheck.conf in the app data
// directory when present. Remaining non-option arguments are returned.
func Load(args []string) (*Config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse for the options that decide where the config file is.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	if _, err := preParser.ParseArgs(args); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			return nil, nil, err
		}
	}
	if preCfg.ShowVersion {
		return &preCfg, nil, nil
	}

	appData := cleanAndExpandPath(preCfg.AppDataDir)
	configFile := preCfg.ConfigFile
	explicit := configFile != ""
	if !explicit {
		configFile = filepath.Join(appData, defaultConfigFilename)
	}

	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	err := flags.NewIniParser(parser).ParseFile(cleanAndExpandPath(configFile))
	if err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)) {
		return nil, nil, fmt.Errorf("config file %s: %w", configFile, err)
	}

	remaining, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}
	cfg.AppDataDir = appData

	if err := cfg.normalize(); err != nil {
		return nil, nil, err
	}
	return &cfg, remaining, nil
}

// normalize picks the network, fills derived paths and validates.
func (c *Config) normalize() error {
	numNets := 0
	c.params = &chaincfg.MainNetParams
	if c.TestNet3 {
		numNets++
		c.params = &chaincfg.TestNet3Params
	}
	if c.RegressionTest {
		numNets++
		c.params = &chaincfg.RegressionNetParams
	}
	if c.SigNet {
		numNets++
		c.params = &chaincfg.SigNetParams
	}
	if numNets > 1 {
		return errors.New("the testnet, regtest and signet options " +
			"can not be used together")
	}

	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.AppDataDir, defaultDataDirname)
	}
	c.DataDir = filepath.Join(cleanAndExpandPath(c.DataDir), netName(c.params))
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.AppDataDir, defaultLogDirname)
	}
	c.LogDir = filepath.Join(cleanAndExpandPath(c.LogDir), netName(c.params))
	if c.SeedFile == "" {
		c.SeedFile = filepath.Join(c.DataDir, defaultSeedFilename)
	}
	c.SeedFile = cleanAndExpandPath(c.SeedFile)
	if c.SignerAudit == "" {
		c.SignerAudit = filepath.Join(c.LogDir, defaultAuditFilename)
	}
	c.SignerAudit = cleanAndExpandPath(c.SignerAudit)

	if _, err := log.ParseDebugLevels(c.DebugLevel); err != nil {
		return err
	}

	if c.Height < 0 {
		return fmt.Errorf("height %d is negative", c.Height)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers %d is negative", c.Workers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batchsize must be at least 1, got %d", c.BatchSize)
	}

	if err := positive("audittimeout", c.AuditTimeout); err != nil {
		return err
	}
	if err := positive("signtimeout", c.SignTimeout); err != nil {
		return err
	}
	if c.ProbeBase < 0 {
		return fmt.Errorf("probebase %v is negative", c.ProbeBase)
	}
	if c.ProbeMax < c.ProbeBase {
		return fmt.Errorf("probemax %v is below probebase %v", c.ProbeMax,
			c.ProbeBase)
	}
	if c.ProbeAttempts < 1 {
		return fmt.Errorf("probeattempts must be at least 1, got %d",
			c.ProbeAttempts)
	}

	if c.Reference != ReferenceNone {
		if c.AuditWorkers < 1 || c.AuditQueue < 1 {
			return errors.New("auditworkers and auditqueue must be at least 1")
		}
	}
	if c.Reference == ReferenceRPC && c.RPCConnect == "" {
		return errors.New("the rpc reference needs --rpcconnect")
	}

	providers, err := parseProviders(c.Providers)
	if err != nil {
		return err
	}
	for _, p := range providers {
		if p == ProviderKMS && c.KMSURL == "" {
			return errors.New("the kms provider needs --kmsurl")
		}
	}
	c.providers = providers
	return nil
}

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, d)
	}
	return nil
}

// parseProviders splits a provider list, keeping its order.
func parseProviders(s string) ([]string, error) {
	var order []string
	seen := make(map[string]bool)
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		switch name {
		case ProviderSoftware, ProviderToken, ProviderKMS:
		default:
			return nil, fmt.Errorf("unknown signing provider %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("signing provider %q listed twice", name)
		}
		seen[name] = true
		order = append(order, name)
	}
	if len(order) == 0 {
		return nil, errors.New("no signing providers configured")
	}
	return order, nil
}

// Params returns the selected network.
func (c *Config) Params() *chaincfg.Params { return c.params }

// ProviderOrder returns the signing providers in fallback order.
func (c *Config) ProviderOrder() []string { return c.providers }

// LogFile is the rotated daemon log.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// StorePath is where the unspent output set lives: a directory for
// leveldb, a single file for bolt.
func (c *Config) StorePath() string {
	if c.DBBackend == DBBolt {
		return filepath.Join(c.DataDir, defaultBoltFilename)
	}
	return filepath.Join(c.DataDir, defaultStoreDirname)
}

// ChainContext is the tip transactions are validated against.
func (c *Config) ChainContext() consensus.ChainContext {
	return consensus.ChainContext{
		Height:         c.Height,
		MedianTimePast: c.MedianTimePast,
		Params:         c.params,
	}
}

// AuthorityConfig tunes the signing authority.
func (c *Config) AuthorityConfig() signer.AuthorityConfig {
	return signer.AuthorityConfig{
		CallTimeout: c.SignTimeout,
		ProbeBackoff: util.Backoff{
			Attempts: c.ProbeAttempts,
			Base:     c.ProbeBase,
			Max:      c.ProbeMax,
		},
	}
}

// HarnessConfig tunes the differential audit.
func (c *Config) HarnessConfig() differential.Config {
	cfg := differential.DefaultConfig
	cfg.Workers = c.AuditWorkers
	cfg.QueueSize = c.AuditQueue
	cfg.CallTimeout = c.AuditTimeout
	return cfg
}
