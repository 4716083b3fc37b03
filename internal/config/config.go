package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxIter      = 10
	DefaultAtol         = 1e-10
	DefaultRtol         = 1e-10
	DefaultMaxSubSolves = 10
	DefaultRHSEntries   = 3
	DefaultProcs        = 1
)

type Config struct {
	Scenario string       `yaml:"scenario"`
	Procs    int          `yaml:"procs"`
	Assembly string       `yaml:"assembly"`
	Newton   NewtonConfig `yaml:"newton"`
	Linear   LinearConfig `yaml:"linear"`
	Print    int          `yaml:"print"`
}

type NewtonConfig struct {
	MaxIter          int     `yaml:"max_iter"`
	Atol             float64 `yaml:"atol"`
	Rtol             float64 `yaml:"rtol"`
	SolveSubsystems  bool    `yaml:"solve_subsystems"`
	MaxSubSolves     int     `yaml:"max_sub_solves"`
	Linesearch       bool    `yaml:"linesearch"`
	ErrOnNonConverge bool    `yaml:"err_on_non_converge"`
}

type LinearConfig struct {
	ErrOnSingular bool `yaml:"err_on_singular"`
	RHSCheck      bool `yaml:"rhs_check"`
	RHSEntries    int  `yaml:"rhs_entries"`
}

func DefaultConfig() *Config {
	return &Config{
		Scenario: "coupled",
		Procs:    DefaultProcs,
		Assembly: "dense",
		Newton: NewtonConfig{
			MaxIter:      DefaultMaxIter,
			Atol:         DefaultAtol,
			Rtol:         DefaultRtol,
			MaxSubSolves: DefaultMaxSubSolves,
		},
		Linear: LinearConfig{
			ErrOnSingular: true,
			RHSEntries:    DefaultRHSEntries,
		},
		Print: 1,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
