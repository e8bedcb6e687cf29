// nolint:lll
package catmint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/catmint/catmint/address"
	"github.com/catmint/catmint/catdb"
	"github.com/catmint/catmint/mintgarden"
	"github.com/catmint/catmint/monitoring"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
)

const (
	defaultDataDirname = "data"
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "catmint.log"

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultConfigFileName = "catmint.conf"

	defaultNetwork = "testnet"

	defaultTrackerHost = "http://127.0.0.1:3000"
	defaultBuilderHost = "http://127.0.0.1:3001"

	defaultBitcoindHost = "127.0.0.1:18332"

	// DatabaseBackendSqlite is the name of the SQLite database backend.
	DatabaseBackendSqlite = "sqlite"

	// DatabaseBackendPostgres is the name of the Postgres database backend.
	DatabaseBackendPostgres = "postgres"
)

var (
	// DefaultCatmintDir is the default directory where catmint tries to
	// find its configuration file and store its data. This is a directory
	// in the user's application data, for example:
	//   C:\Users\<username>\AppData\Local\Catmint on Windows
	//   ~/.catmint on Linux
	//   ~/Library/Application Support/Catmint on MacOS
	DefaultCatmintDir = btcutil.AppDataDir("catmint", false)

	// DefaultConfigFile is the default full path of catmint's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultCatmintDir, defaultConfigFileName,
	)

	defaultDataDir = filepath.Join(DefaultCatmintDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultCatmintDir, defaultLogDirname)

	defaultSqliteDatabaseFileName = "catmint.db"

	// defaultSqliteDatabasePath is the default path under which we store
	// the SQLite database file.
	defaultSqliteDatabasePath = filepath.Join(
		defaultDataDir, defaultNetwork, defaultSqliteDatabaseFileName,
	)
)

// ChainConfig houses the configuration of the target chain.
type ChainConfig struct {
	Network string `long:"network" description:"network to run on" choice:"mainnet" choice:"testnet" choice:"regtest" choice:"signet" choice:"simnet"`

	SigNetChallenge string `long:"signetchallenge" description:"Connect to a custom signet network defined by this challenge instead of using the global default signet test network"`
}

// BitcoindConfig is the configuration of the bitcoind RPC connection used to
// list the fee inputs, estimate fees and broadcast mints.
type BitcoindConfig struct {
	Host string `long:"rpchost" description:"The host:port of the bitcoind RPC server"`

	User string `long:"rpcuser" description:"Username for RPC connections"`

	Pass string `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`

	TLS bool `long:"tls" description:"Use TLS for the RPC connection"`

	CertPath string `long:"rpccert" description:"File containing the bitcoind RPC certificate if TLS is used"`
}

// TrackerConfig is the configuration of the CAT protocol tracker.
type TrackerConfig struct {
	Host string `long:"host" description:"The base URL of the tracker API"`

	Timeout time.Duration `long:"timeout" description:"Timeout of a single tracker request"`
}

// BuilderConfig is the configuration of the covenant builder service.
type BuilderConfig struct {
	Host string `long:"host" description:"The base URL of the covenant builder API"`

	Timeout time.Duration `long:"timeout" description:"Timeout of a single builder request"`

	MaxFeeMultiple int64 `long:"maxfeemultiple" description:"Refuse mints that pay more than this multiple of the expected fee"`
}

// MintConfig holds the parameters of the mint orchestrator.
type MintConfig struct {
	BatchCeiling int64 `long:"batchceiling" description:"The value in satoshis at which a batch of fee inputs is sealed"`

	DustLimit int64 `long:"dustlimit" description:"Fee inputs at or below this value in satoshis are never spent"`

	MaxRetries int `long:"maxretries" description:"Number of minter selections a single worker makes before giving up"`

	RetryBackoff time.Duration `long:"retrybackoff" description:"Time to wait after a mint was rejected before selecting a new minter"`

	SupplyBackoff time.Duration `long:"supplybackoff" description:"Time to wait if no suitable minter is available"`

	WaitTimeout time.Duration `long:"waittimeout" description:"Deadline for all workers of a run, 0 waits forever"`

	KeepWorkers bool `long:"keepworkers" description:"Let the workers of a timed out run finish instead of cancelling them"`

	FeeConfTarget uint32 `long:"confirmationtarget" description:"Confirmation target used for fee estimation"`

	FeeRate uint64 `long:"feerate" description:"Fixed fee rate in sat/vbyte, overrides fee estimation if set"`

	ProgressInterval time.Duration `long:"progressinterval" description:"Interval at which a run logs the number of outstanding workers"`
}

// Config is the main config for the catmint CLI.
type Config struct {
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	CatmintDir string `long:"catmintdir" description:"The base directory that contains catmint's data, logs, configuration file, etc."`
	ConfigFile string `long:"configfile" description:"Path to configuration file"`

	DataDir        string `long:"datadir" description:"The directory to store catmint's data within"`
	LogDir         string `long:"logdir" description:"Directory to log output."`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	WalletKey string `long:"walletkey" default-mask:"-" description:"WIF encoded private key of the wallet that pays the mint fees"`

	ChainConf *ChainConfig    `group:"chain" namespace:"chain"`
	Bitcoind  *BitcoindConfig `group:"bitcoind" namespace:"bitcoind"`
	Tracker   *TrackerConfig  `group:"tracker" namespace:"tracker"`
	Builder   *BuilderConfig  `group:"builder" namespace:"builder"`
	Mint      *MintConfig     `group:"mint" namespace:"mint"`

	DatabaseBackend string                `long:"databasebackend" description:"The database backend to use for storing all spent inputs and mint outcomes." choice:"sqlite" choice:"postgres"`
	Sqlite          *catdb.SqliteConfig   `group:"sqlite" namespace:"sqlite"`
	Postgres        *catdb.PostgresConfig `group:"postgres" namespace:"postgres"`

	Prometheus monitoring.PrometheusConfig `group:"prometheus" namespace:"prometheus"`

	// LogWriter is the root logger that all of the subloggers are hooked
	// up to.
	LogWriter *build.RotatingLogWriter

	// networkDir is the path to the directory of the currently active
	// network. This path will hold the files related to each different
	// network.
	networkDir string

	// ActiveNetParams contains parameters of the target chain.
	ActiveNetParams chaincfg.Params
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	workerDefaults := mintgarden.DefaultWorkerConfig()

	return Config{
		CatmintDir:     DefaultCatmintDir,
		ConfigFile:     DefaultConfigFile,
		DataDir:        defaultDataDir,
		DebugLevel:     defaultLogLevel,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		ChainConf: &ChainConfig{
			Network: defaultNetwork,
		},
		Bitcoind: &BitcoindConfig{
			Host: defaultBitcoindHost,
		},
		Tracker: &TrackerConfig{
			Host: defaultTrackerHost,
		},
		Builder: &BuilderConfig{
			Host: defaultBuilderHost,
		},
		Mint: &MintConfig{
			BatchCeiling:     int64(mintgarden.DefaultBatchCeiling),
			DustLimit:        int64(mintgarden.DefaultDustLimit),
			MaxRetries:       workerDefaults.MaxRetries,
			RetryBackoff:     workerDefaults.RetryBackoff,
			SupplyBackoff:    workerDefaults.SupplyBackoff,
			WaitTimeout:      mintgarden.DefaultWaitTimeout,
			FeeConfTarget:    mintgarden.DefaultFeeConfTarget,
			ProgressInterval: mintgarden.DefaultProgressInterval,
		},
		DatabaseBackend: DatabaseBackendSqlite,
		Sqlite: &catdb.SqliteConfig{
			DatabaseFileName: defaultSqliteDatabasePath,
		},
		Postgres: &catdb.PostgresConfig{
			Host:               "localhost",
			Port:               5432,
			SSLMode:            "disable",
			MaxOpenConnections: 10,
		},
		Prometheus: monitoring.DefaultPrometheusConfig(),
		LogWriter:  build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and the
// passed overrides.
//
// The configuration proceeds as follows:
//  1. Start with the passed config, usually DefaultConfig
//  2. Load the configuration file overwriting defaults with any specified
//     options
//  3. Apply the overrides, for example command line flags
//  4. Validate the result and set up logging
func LoadConfig(preCfg Config, interceptor signal.Interceptor,
	overrides ...func(*Config)) (*Config, btclog.Logger, error) {

	configFilePath, err := resolveConfigFile(
		preCfg.CatmintDir, preCfg.ConfigFile,
	)
	if err != nil {
		return nil, nil, err
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	fileParser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(fileParser).ParseFile(configFilePath)
	if err != nil {
		// A missing default config file is fine, a broken one isn't.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, nil, err
		}

		configFileError = err
	}

	// Finally, apply the overrides to ensure they take precedence.
	for _, override := range overrides {
		override(&cfg)
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	cfgLogger, err := setupLogging(cleanCfg, interceptor)
	if err != nil {
		return nil, nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done.
	if configFileError != nil {
		cfgLogger.Debugf("%v", configFileError)
	}

	return cleanCfg, cfgLogger, nil
}

// resolveConfigFile returns the path of the config file to load. A config
// file that was set explicitly must exist. If only the catmint directory was
// changed, the config file is looked up in there.
func resolveConfigFile(catmintDir, configFile string) (string, error) {
	catmintDir = CleanAndExpandPath(catmintDir)
	configFile = CleanAndExpandPath(configFile)

	switch {
	case configFile != DefaultConfigFile:
		if !fileExists(configFile) {
			return "", fmt.Errorf("specified config file does "+
				"not exist in %s", configFile)
		}

		return configFile, nil

	case catmintDir != DefaultCatmintDir:
		return filepath.Join(catmintDir, defaultConfigFileName), nil

	default:
		return configFile, nil
	}
}

// validate checks the mint parameters for values the orchestrator can't work
// with.
func (m *MintConfig) validate() error {
	switch {
	case m.BatchCeiling <= 0:
		return errors.New("batch ceiling must be positive")

	case m.DustLimit < 0:
		return errors.New("dust limit must not be negative")

	case m.DustLimit >= m.BatchCeiling:
		return errors.New("dust limit must be below the batch ceiling")

	case m.MaxRetries <= 0:
		return errors.New("max retries must be positive")

	case m.WaitTimeout < 0:
		return errors.New("wait timeout must not be negative")

	default:
		return nil
	}
}

// ensureDirs creates all given directories that don't exist yet.
func ensureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory '%s': %w",
				dir, err)
		}
	}

	return nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided catmint directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	catmintDir := CleanAndExpandPath(cfg.CatmintDir)
	if catmintDir != DefaultCatmintDir {
		cfg.DataDir = filepath.Join(catmintDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(catmintDir, defaultLogDirname)
	}

	mkErr := func(format string, args ...interface{}) error {
		return fmt.Errorf("ValidateConfig: "+format, args...)
	}

	// As soon as we're done parsing configuration options, ensure all
	// paths to directories and files are cleaned and expanded before
	// attempting to use them later on.
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.Bitcoind.CertPath = CleanAndExpandPath(cfg.Bitcoind.CertPath)

	params, err := address.ParamsForNetwork(cfg.ChainConf.Network)
	if err != nil {
		return nil, mkErr("invalid network: %v", cfg.ChainConf.Network)
	}
	cfg.ActiveNetParams = *params

	// Let the user overwrite the default signet parameters. The challenge
	// defines the actual signet network to join.
	if cfg.ActiveNetParams.Name == chaincfg.SigNetParams.Name &&
		cfg.ChainConf.SigNetChallenge != "" {

		challenge, err := hex.DecodeString(
			cfg.ChainConf.SigNetChallenge,
		)
		if err != nil {
			return nil, mkErr("Invalid signet challenge, hex "+
				"decode failed: %v", err)
		}

		cfg.ActiveNetParams = chaincfg.CustomSignetParams(
			challenge, chaincfg.DefaultSignetDNSSeeds,
		)
	}

	// We'll now construct the network directory which will be where we
	// store all the data specific to this chain/network.
	cfg.networkDir = filepath.Join(cfg.DataDir, cfg.ActiveNetParams.Name)

	// We'll also update the database file location as well, if it wasn't
	// set.
	if cfg.Sqlite.DatabaseFileName == defaultSqliteDatabasePath {
		cfg.Sqlite.DatabaseFileName = filepath.Join(
			cfg.networkDir, defaultSqliteDatabaseFileName,
		)
	}
	cfg.Sqlite.DatabaseFileName = CleanAndExpandPath(
		cfg.Sqlite.DatabaseFileName,
	)

	switch cfg.DatabaseBackend {
	case DatabaseBackendSqlite, DatabaseBackendPostgres:
	default:
		return nil, mkErr("unknown database backend: %v",
			cfg.DatabaseBackend)
	}

	if err := cfg.Mint.validate(); err != nil {
		return nil, mkErr("invalid mint config: %v", err)
	}

	err = ensureDirs(
		catmintDir, cfg.DataDir, cfg.networkDir,
		filepath.Dir(cfg.Sqlite.DatabaseFileName),
	)
	if err != nil {
		return nil, mkErr("%v", err)
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network in the same fashion as the data directory.
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.ActiveNetParams.Name)

	// A log writer must be passed in, otherwise we can't function and would
	// run into a panic later on.
	if cfg.LogWriter == nil {
		return nil, mkErr("log writer missing in config")
	}

	// All good, return the sanitized result.
	return &cfg, nil
}

// setupLogging initializes the log rotator and the debug levels of all
// subsystems.
func setupLogging(cfg *Config,
	interceptor signal.Interceptor) (btclog.Logger, error) {

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		SetupLoggers(cfg.LogWriter, interceptor)
		fmt.Println("Supported subsystems",
			cfg.LogWriter.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.LogWriter, interceptor)
	err := cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("log rotation setup failed: %w", err)
	}

	cfgLogger := cfg.LogWriter.GenSubLogger("CONF", nil)

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogWriter)
	if err != nil {
		return nil, fmt.Errorf("error parsing debug level: %w", err)
	}

	return cfgLogger, nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !errors.Is(err, fs.ErrNotExist)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
