// Package config loads jobsaga configuration written in CUE.
//
// A configuration is a directory of .cue files (or a single file) with an
// optional engine block and one job_type entry per job type key:
//
//	engine: {
//		instance:       "node-a"
//		sweep_interval: "1s"
//		defaults: { concurrent_limit: 1, timeout: "5m" }
//	}
//	job_type: "crunch-the-numbers": {
//		concurrent_limit: 1
//		timeout:          "30s"
//		executor:         "sleep"
//	}
//
// The files are unified with an embedded schema before they are read, so
// type errors are reported with their position in the user's file.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/jobsaga/internal/engine"
	"github.com/roach88/jobsaga/internal/store"
	"github.com/roach88/jobsaga/internal/worker"
)

//go:embed schema.cue
var schemaCUE string

// Defaults applied when the configuration leaves a value out.
const (
	DefaultDB      = "jobsaga.db"
	DefaultWorkers = 1
)

// Config is a loaded configuration.
type Config struct {
	Engine   Engine
	JobTypes map[string]JobType
}

// Engine configures one engine process.
type Engine struct {
	// Instance names this process; it becomes the worker address.
	Instance string

	DB          string
	MetricsAddr string

	SweepInterval time.Duration
	LockTimeout   time.Duration

	// Defaults apply to job types without their own entry, and to fields an
	// entry leaves out.
	Defaults Policy
}

// Policy is the concurrency and retry policy of a job type.
type Policy struct {
	ConcurrentLimit int
	MaxRetries      int
	Timeout         time.Duration
}

// JobType is one job_type entry.
type JobType struct {
	Policy

	// Executor is the built-in executor that serves the type on this
	// instance. Empty means no local worker.
	Executor string

	// Workers is the number of attempts of the type this instance runs at
	// once.
	Workers int
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: Engine{
			DB:            DefaultDB,
			SweepInterval: engine.DefaultSweepInterval,
			LockTimeout:   store.DefaultLockTimeout,
			Defaults: Policy{
				ConcurrentLimit: engine.DefaultJobType.ConcurrentLimit,
				MaxRetries:      engine.DefaultJobType.MaxRetries,
				Timeout:         engine.DefaultJobType.Timeout,
			},
		},
		JobTypes: map[string]JobType{},
	}
}

// EngineJobTypes converts the job type policies for engine.WithJobTypes.
func (c *Config) EngineJobTypes() engine.JobTypes {
	jt := engine.JobTypes{
		Default: c.Engine.Defaults.engine(),
		Types:   make(map[string]engine.JobType, len(c.JobTypes)),
	}
	for key, t := range c.JobTypes {
		jt.Types[key] = t.engine()
	}
	return jt
}

// Keys returns the configured job type keys in order.
func (c *Config) Keys() []string {
	return sortedKeys(c.JobTypes)
}

func (p Policy) engine() engine.JobType {
	return engine.JobType{
		ConcurrentLimit: p.ConcurrentLimit,
		MaxRetries:      p.MaxRetries,
		Timeout:         p.Timeout,
	}
}

// Load reads the configuration at path, a .cue file or a directory of them.
// Every problem found is reported; the returned error joins *LoadError
// values.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing config: %v", err)}
	}

	cctx := cuecontext.New()
	var value cue.Value
	if info.IsDir() {
		value, err = loadDir(cctx, path)
	} else {
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)}
		}
		value = cctx.CompileBytes(data, cue.Filename(path))
	}
	if err != nil {
		return nil, err
	}
	return compile(cctx, value)
}

// Parse reads a configuration from CUE source. filename is used in error
// positions.
func Parse(data []byte, filename string) (*Config, error) {
	cctx := cuecontext.New()
	return compile(cctx, cctx.CompileBytes(data, cue.Filename(filename)))
}

func loadDir(cctx *cue.Context, dir string) (cue.Value, error) {
	files, err := findCUEFiles(dir)
	if err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return cue.Value{}, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	if inst := instances[0]; inst.Err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}
	return cctx.BuildInstance(instances[0]), nil
}

func findCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// raw mirrors the schema; pointers tell a missing value from a zero.
type rawPolicy struct {
	ConcurrentLimit *int   `json:"concurrent_limit"`
	MaxRetries      *int   `json:"max_retries"`
	Timeout         string `json:"timeout"`
}

type rawJobType struct {
	ConcurrentLimit *int   `json:"concurrent_limit"`
	MaxRetries      *int   `json:"max_retries"`
	Timeout         string `json:"timeout"`
	Executor        string `json:"executor"`
	Workers         int    `json:"workers"`
}

func (r rawJobType) policy() rawPolicy {
	return rawPolicy{ConcurrentLimit: r.ConcurrentLimit, MaxRetries: r.MaxRetries, Timeout: r.Timeout}
}

type rawConfig struct {
	Engine struct {
		Instance      string    `json:"instance"`
		DB            string    `json:"db"`
		MetricsAddr   string    `json:"metrics_addr"`
		SweepInterval string    `json:"sweep_interval"`
		LockTimeout   string    `json:"lock_timeout"`
		Defaults      rawPolicy `json:"defaults"`
	} `json:"engine"`
	JobType map[string]rawJobType `json:"job_type"`
}

func compile(cctx *cue.Context, value cue.Value) (*Config, error) {
	if err := value.Err(); err != nil {
		return nil, cueErrors(ErrCodeBuildFailed, err)
	}

	schema := cctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("embedded schema: %v", err)}
	}
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueErrors(ErrCodeSchema, err)
	}

	var raw rawConfig
	if err := unified.Decode(&raw); err != nil {
		return nil, cueErrors(ErrCodeSchema, err)
	}

	cfg := Default()
	var errs []error
	at := func(path ...string) cue.Value {
		sels := make([]cue.Selector, len(path))
		for i, p := range path {
			sels[i] = cue.Str(p)
		}
		return value.LookupPath(cue.MakePath(sels...))
	}
	duration := func(s string, dst *time.Duration, path ...string) {
		if s == "" {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeDuration, Message: fmt.Sprintf("invalid duration %q", s), Pos: at(path...).Pos()})
			return
		}
		*dst = d
	}

	e := raw.Engine
	if e.Instance != "" {
		cfg.Engine.Instance = e.Instance
	}
	if e.DB != "" {
		cfg.Engine.DB = e.DB
	}
	cfg.Engine.MetricsAddr = e.MetricsAddr
	duration(e.SweepInterval, &cfg.Engine.SweepInterval, "engine", "sweep_interval")
	duration(e.LockTimeout, &cfg.Engine.LockTimeout, "engine", "lock_timeout")
	if cfg.Engine.SweepInterval <= 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNonPositive, Message: "sweep_interval must be positive", Pos: at("engine", "sweep_interval").Pos()})
	}
	applyPolicy(&cfg.Engine.Defaults, e.Defaults, duration, "engine", "defaults")

	for _, key := range sortedKeys(raw.JobType) {
		r := raw.JobType[key]
		jt := JobType{Policy: cfg.Engine.Defaults, Executor: r.Executor, Workers: r.Workers}
		applyPolicy(&jt.Policy, r.policy(), duration, "job_type", key)
		if jt.Workers == 0 {
			jt.Workers = DefaultWorkers
		}
		if jt.Executor != "" && !slices.Contains(worker.BuiltinNames(), jt.Executor) {
			errs = append(errs, &LoadError{
				Code:    ErrCodeExecutor,
				Message: fmt.Sprintf("job type %s: unknown executor %q (have %v)", key, jt.Executor, worker.BuiltinNames()),
				Pos:     at("job_type", key, "executor").Pos(),
			})
		}
		cfg.JobTypes[key] = jt
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func applyPolicy(dst *Policy, r rawPolicy, duration func(string, *time.Duration, ...string), path ...string) {
	if r.ConcurrentLimit != nil {
		dst.ConcurrentLimit = *r.ConcurrentLimit
	}
	if r.MaxRetries != nil {
		dst.MaxRetries = *r.MaxRetries
	}
	duration(r.Timeout, &dst.Timeout, append(path, "timeout")...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
