package config

import "time"

const (
	appName               = "utxocheck"
	defaultConfigFilename = appName + ".conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = appName + ".log"
	defaultStoreDirname   = "utxodb"
	defaultBoltFilename   = "utxo.db"
	defaultAuditFilename  = "signer-audit.log"
	defaultSeedFilename   = "seed"
	defaultLogLevel       = "info"

	defaultProviders     = "software"
	defaultSignTimeout   = 30 * time.Second
	defaultProbeAttempts = 3
	defaultProbeBase     = 250 * time.Millisecond
	defaultProbeMax      = 2 * time.Second

	defaultReference    = "none"
	defaultAuditWorkers = 4
	defaultAuditQueue   = 1024
	defaultAuditTimeout = 10 * time.Second
	defaultSigCacheSize = 100000

	defaultBatchSize = 100
)

// Provider names accepted by --providers.
const (
	ProviderSoftware = "software"
	ProviderToken    = "token"
	ProviderKMS      = "kms"
)

// Database backends accepted by --dbbackend.
const (
	DBLevelDB = "leveldb"
	DBBolt    = "bolt"
)

// Reference names accepted by --reference.
const (
	ReferenceNone = "none"
	ReferenceBtcd = "btcd"
	ReferenceRPC  = "rpc"
)
