package env

// viper keys, bound to command line flags and to the process environment
const (
	ConfigFile         = "config"
	LogLevel           = "logLevel"
	Port               = "PORT"
	Host               = "host"
	AdminPort          = "adminPort"
	Role               = "role"
	ProcessTitle       = "processTitle"
	ModelURL           = "modelUrl"
	InProcess          = "inProcess"
	WorkerTimeout      = "workerTimeout"
	WorkerCommand      = "workerCommand"
	WorkerIsolation    = "workerIsolation"
	DelegateCommand    = "delegateCommand"
	Mock               = "mock"
	HostInfoFilePath   = "hostInfoFilePath"
	RegistryBackend    = "registry"
	RedisAddr          = "RedisAddr"
	RedisPassword      = "RedisPassword"
	DefaultDb          = "DefaultDb"
	RegistryTTL        = "registryTTL"
	TraceAgentHostPort = "TraceAgentHostPort"
	EcosystemFile      = "ecosystem"
	MemorySampleEvery  = "memorySampleEvery"
	DrainGrace         = "drainGrace"
	ReadyTimeout       = "readyTimeout"
	PoolAdminPort      = "poolAdminPort"
	PoolDrainGrace     = "poolDrainGrace"
	Targets            = "targets"
	Attempts           = "attempts"
	Discover           = "discover"

	// PMID is exported to supervised instances with their slot index,
	// the same variable name pm2 uses
	PMID = "pm_id"
	// SlurmJobID replaces the job placeholder of a localscratch model url
	SlurmJobID = "SLURM_JOB_ID"
)
