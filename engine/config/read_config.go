package config

import (
	"encoding/json"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/consts"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

const (
	_DEFAULT_LISTEN_ADDR = "0.0.0.0:14500"
	_DEFAULT_LOG_LEVEL   = "debug"
	_DEFAULT_STORAGE_DB  = "cellworld"
	_SOURCE_SECTION      = "source."
)

var (
	configFilePath  = consts.DEFAULT_CONFIG_FILE
	cellWorldConfig *CellWorldConfig
	configLock      sync.Mutex
)

// ServerConfig defines fields of the [cellserver] section
type ServerConfig struct {
	ListenAddr        string // websocket listen address for clients
	HTTPAddr          string // metrics & pprof address, empty to disable
	LogFile           string
	LogStderr         bool
	LogLevel          string
	SaveInterval      time.Duration
	ReconcileInterval time.Duration
	ReconcileCron     string // extra reconciliation runs on a cron schedule ("0 3 * * *")
	GoMaxProcs        int
}

// StorageConfig defines fields of storage config
type StorageConfig struct {
	Type       string // Type of storage (memory, filesystem, redis, redis_cluster, mongodb, sqlite)
	Directory  string // Directory of filesystem storage, or database file of sqlite storage
	Url        string // Connection URL (mongodb, redis)
	DB         string // Database name (mongodb) or db index (redis)
	StartNodes common.StringSet
	Compress   bool // zstd compress large blobs
}

// MovableConfig defines fields of the [movable] section
type MovableConfig struct {
	MaxMoveDistance   float64 // 0 means moves are not distance limited
	BroadcastInterval time.Duration
}

// ProjectorConfig defines fields of the [projector] section
type ProjectorConfig struct {
	DefaultCapabilities common.StringSet // granted to clients that declare none
}

// SourceConfig defines one external world description source ([source.<name>])
type SourceConfig struct {
	Name   string
	Type   string // yaml
	Path   string // directory holding <root>.yaml documents
	Schema string // optional JSON schema file validating every document
}

// CellWorldConfig defines the total cellworld config file structure
type CellWorldConfig struct {
	Server    ServerConfig
	Storage   StorageConfig
	Movable   MovableConfig
	Projector ProjectorConfig
	Sources   map[string]*SourceConfig
}

// SetConfigFile sets the config file path (cellworld.ini by default)
func SetConfigFile(f string) {
	configLock.Lock()
	configFilePath = f
	configLock.Unlock()
}

// GetConfigDir returns the directory of the config file
func GetConfigDir() string {
	dir, _ := path.Split(GetConfigFilePath())
	return dir
}

// GetConfigFilePath returns the config file path
func GetConfigFilePath() string {
	configLock.Lock()
	defer configLock.Unlock()
	return configFilePath
}

// Get returns the total cellworld config, loading it on first use
func Get() *CellWorldConfig {
	configLock.Lock()
	defer configLock.Unlock()
	if cellWorldConfig == nil {
		cfg, err := Load(configFilePath)
		if err != nil {
			gwlog.Panicf("read config error: %v", err)
		}
		cellWorldConfig = cfg
	}
	return cellWorldConfig
}

// Reload forces the config to be read again
func Reload() *CellWorldConfig {
	configLock.Lock()
	cellWorldConfig = nil
	configLock.Unlock()

	return Get()
}

// GetServer returns the [cellserver] config
func GetServer() *ServerConfig {
	return &Get().Server
}

// GetStorage returns the storage config
func GetStorage() *StorageConfig {
	return &Get().Storage
}

// GetMovable returns the movable component config
func GetMovable() *MovableConfig {
	return &Get().Movable
}

// GetProjector returns the projector config
func GetProjector() *ProjectorConfig {
	return &Get().Projector
}

// GetSourceNames returns the names of all configured description sources, sorted
func GetSourceNames() []string {
	cfg := Get()
	names := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSource returns the config of the named description source
func GetSource(name string) *SourceConfig {
	return Get().Sources[name]
}

// DumpPretty format config to string in pretty format
func DumpPretty(cfg interface{}) string {
	s, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(s)
}

// Load reads and validates the config file at configPath
func Load(configPath string) (*CellWorldConfig, error) {
	gwlog.Infof("Using config file: %s", configPath)
	iniFile, err := ini.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "load ini")
	}
	return parse(iniFile)
}

// LoadBytes reads and validates config from ini text
func LoadBytes(data []byte) (*CellWorldConfig, error) {
	iniFile, err := ini.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "load ini")
	}
	return parse(iniFile)
}

func parse(iniFile *ini.File) (*CellWorldConfig, error) {
	config := &CellWorldConfig{
		Sources: map[string]*SourceConfig{},
	}
	setServerDefaults(&config.Server)
	setStorageDefaults(&config.Storage)
	config.Movable.BroadcastInterval = consts.DEFAULT_MOVE_BROADCAST_INTERVAL
	config.Projector.DefaultCapabilities = common.NewStringSet("basic")

	for _, sec := range iniFile.Sections() {
		secName := strings.ToLower(sec.Name())
		var err error
		if secName == "default" {
			continue
		} else if secName == "cellserver" {
			err = readServerConfig(sec, &config.Server)
		} else if secName == "storage" {
			err = readStorageConfig(sec, &config.Storage)
		} else if secName == "movable" {
			err = readMovableConfig(sec, &config.Movable)
		} else if secName == "projector" {
			err = readProjectorConfig(sec, &config.Projector)
		} else if strings.HasPrefix(secName, _SOURCE_SECTION) {
			var sc *SourceConfig
			sc, err = readSourceConfig(sec, sec.Name()[len(_SOURCE_SECTION):])
			if err == nil {
				config.Sources[sc.Name] = sc
			}
		} else {
			gwlog.Errorf("unknown section: %s", sec.Name())
		}
		if err != nil {
			return nil, err
		}
	}

	if err := validateStorageConfig(&config.Storage); err != nil {
		return nil, err
	}
	return config, nil
}

func setServerDefaults(sc *ServerConfig) {
	sc.ListenAddr = _DEFAULT_LISTEN_ADDR
	sc.LogFile = "cellserver.log"
	sc.LogStderr = true
	sc.LogLevel = _DEFAULT_LOG_LEVEL
	sc.SaveInterval = consts.DEFAULT_SAVE_INTERVAL
	sc.ReconcileInterval = consts.DEFAULT_RECONCILE_INTERVAL
}

func readServerConfig(sec *ini.Section, sc *ServerConfig) error {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "listen_addr" {
			sc.ListenAddr = key.MustString(sc.ListenAddr)
		} else if name == "http_addr" {
			sc.HTTPAddr = key.MustString(sc.HTTPAddr)
		} else if name == "log_file" {
			sc.LogFile = key.MustString(sc.LogFile)
		} else if name == "log_stderr" {
			sc.LogStderr = key.MustBool(sc.LogStderr)
		} else if name == "log_level" {
			sc.LogLevel = key.MustString(sc.LogLevel)
		} else if name == "save_interval" {
			sc.SaveInterval = time.Second * time.Duration(key.MustInt(int(sc.SaveInterval/time.Second)))
		} else if name == "reconcile_interval" {
			sc.ReconcileInterval = time.Second * time.Duration(key.MustInt(int(sc.ReconcileInterval/time.Second)))
		} else if name == "reconcile_cron" {
			sc.ReconcileCron = key.MustString(sc.ReconcileCron)
		} else if name == "gomaxprocs" {
			sc.GoMaxProcs = key.MustInt(sc.GoMaxProcs)
		} else {
			return errors.Errorf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	return nil
}

func setStorageDefaults(config *StorageConfig) {
	config.Type = "filesystem"
	config.Directory = "_cell_storage"
	config.DB = _DEFAULT_STORAGE_DB
	config.StartNodes = common.StringSet{}
}

func readStorageConfig(sec *ini.Section, config *StorageConfig) error {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "type" {
			config.Type = key.MustString(config.Type)
		} else if name == "directory" {
			config.Directory = key.MustString(config.Directory)
		} else if name == "url" {
			config.Url = key.MustString(config.Url)
		} else if name == "db" {
			config.DB = key.MustString(config.DB)
		} else if name == "compress" {
			config.Compress = key.MustBool(config.Compress)
		} else if strings.HasPrefix(name, "start_nodes_") {
			config.StartNodes.Add(key.MustString(""))
		} else {
			return errors.Errorf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	if config.Type == "redis" && (config.DB == "" || config.DB == _DEFAULT_STORAGE_DB) {
		config.DB = "0"
	}
	return nil
}

func readMovableConfig(sec *ini.Section, config *MovableConfig) error {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "max_move_distance" {
			config.MaxMoveDistance = key.MustFloat64(config.MaxMoveDistance)
		} else if name == "broadcast_interval_ms" {
			config.BroadcastInterval = time.Millisecond * time.Duration(key.MustInt(int(config.BroadcastInterval/time.Millisecond)))
		} else {
			return errors.Errorf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	if config.MaxMoveDistance < 0 {
		return errors.Errorf("max_move_distance must not be negative")
	}
	return nil
}

func readProjectorConfig(sec *ini.Section, config *ProjectorConfig) error {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "default_capabilities" {
			config.DefaultCapabilities = common.NewStringSet(key.Strings(",")...)
		} else {
			return errors.Errorf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	return nil
}

func readSourceConfig(sec *ini.Section, name string) (*SourceConfig, error) {
	sc := &SourceConfig{
		Name: name,
		Type: "yaml",
	}
	for _, key := range sec.Keys() {
		switch strings.ToLower(key.Name()) {
		case "type":
			sc.Type = key.MustString(sc.Type)
		case "path":
			sc.Path = key.MustString(sc.Path)
		case "schema":
			sc.Schema = key.MustString(sc.Schema)
		default:
			return nil, errors.Errorf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
	if sc.Name == "" {
		return nil, errors.Errorf("section %s: source name is empty", sec.Name())
	}
	if sc.Type != "yaml" {
		return nil, errors.Errorf("source %s: unknown type %s", sc.Name, sc.Type)
	}
	if sc.Path == "" {
		return nil, errors.Errorf("source %s: path is not set", sc.Name)
	}
	return sc, nil
}

func validateStorageConfig(config *StorageConfig) error {
	switch config.Type {
	case "memory":
	case "filesystem", "sqlite":
		if config.Directory == "" {
			return errors.Errorf("directory is not set in %s storage config", config.Type)
		}
	case "mongodb":
		if config.Url == "" {
			return errors.Errorf("url is not set in %s storage config", config.Type)
		}
		if config.DB == "" {
			return errors.Errorf("db is not set in %s storage config", config.Type)
		}
	case "redis":
		if config.Url == "" {
			return errors.Errorf("redis host is not set")
		}
		if _, err := strconv.Atoi(config.DB); err != nil {
			return errors.Wrap(err, "redis db must be integer")
		}
	case "redis_cluster":
		if len(config.StartNodes) == 0 {
			return errors.Errorf("must have at least 1 start_nodes for [storage].redis_cluster")
		}
		for s := range config.StartNodes {
			if s == "" {
				return errors.Errorf("start_nodes must not be empty")
			}
		}
	default:
		return errors.Errorf("unknown storage type: %s", config.Type)
	}
	return nil
}
