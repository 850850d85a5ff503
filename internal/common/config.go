package common

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/relay-ci/relay/pkg/collaborator"
	"github.com/relay-ci/relay/pkg/helper/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Mysql Mysql `yaml:"mysql"`

	// Parallel is the number of run workers.
	Parallel int `yaml:"parallel"`

	Retarder struct {
		Enable     bool  `yaml:"enable"`
		BufferSize int64 `yaml:"buffer_size"`
		Delay      int64 `yaml:"delay"`
	} `yaml:"retarder"`

	// Retry bounds transient stage failures before they surface.
	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		Backoff     time.Duration `yaml:"backoff"`
	} `yaml:"retry"`

	Gate struct {
		Timeout  time.Duration `yaml:"timeout"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"gate"`

	Watcher struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"watcher"`

	Sources []Source `yaml:"sources"`

	// Executors maps capabilities to out-of-process stage runners. A
	// capability without hosts falls back to the built-in executor.
	Executors []Executor `yaml:"executors"`

	Analysis struct {
		Host string `yaml:"host"`
	} `yaml:"analysis"`

	Registry struct {
		Host       string `yaml:"host"`
		Repository string `yaml:"repository"`
	} `yaml:"registry"`

	Scanner struct {
		Host   string `yaml:"host"`
		Policy string `yaml:"policy"`
	} `yaml:"scanner"`

	Notifier struct {
		Channels []string `yaml:"channels"`
	} `yaml:"notifier"`

	Gitops struct {
		Host      string `yaml:"host"`
		Owner     string `yaml:"owner"`
		Repo      string `yaml:"repo"`
		Branch    string `yaml:"branch"`
		FilePath  string `yaml:"file_path"`
		FieldPath string `yaml:"field_path"`
	} `yaml:"gitops"`

	// Chain names the deployment pipeline triggered after a successful
	// integration run, and the instance serving it.
	Chain struct {
		Pipeline string `yaml:"pipeline"`
		Instance string `yaml:"instance"`
	} `yaml:"chain"`

	Secrets Secrets `yaml:"-"`
}

type Mysql struct {
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"db"`
	Log      bool   `yaml:"log"`
}

type Source struct {
	Name     string `yaml:"name"`
	Repo     string `yaml:"repo"`
	Host     string `yaml:"host"`
	Pipeline string `yaml:"pipeline"`
}

type Executor struct {
	Capability string   `yaml:"capability"`
	Host       []string `yaml:"host"`
}

// Secrets come from the environment, never from the config file.
type Secrets struct {
	RegistryToken string `envconfig:"REGISTRY_TOKEN"`
	GitopsToken   string `envconfig:"GITOPS_TOKEN"`
}

func GetConfig(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "fail get config file")
	}

	conf := &Config{}
	err = yaml.Unmarshal(body, conf)
	if err != nil {
		return nil, errors.Wrap(err, "fail unmarshal config file")
	}

	err = envconfig.Process("relay", &conf.Secrets)
	if err != nil {
		return nil, errors.Wrap(err, "fail process secret env")
	}

	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.Parallel == 0 {
		c.Parallel = 4
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = time.Second * 2
	}
	if c.Gate.Timeout == 0 {
		c.Gate.Timeout = time.Minute * 10
	}
	if c.Gate.Interval == 0 {
		c.Gate.Interval = time.Second * 3
	}
	if c.Watcher.Interval == 0 {
		c.Watcher.Interval = time.Minute
	}
}

// Validate rejects configurations that would only fail later, mid-run.
func (c *Config) Validate() error {
	var missing = func(what string) error {
		return errors.WithKind(errors.New("missing configuration: "+what), errors.KindConfiguration)
	}

	for _, s := range c.Sources {
		if s.Host == "" || s.Pipeline == "" {
			return missing("source " + s.Name + " host/pipeline")
		}
	}
	if c.Chain.Pipeline != "" && c.Chain.Instance == "" {
		return missing("chain instance for pipeline " + c.Chain.Pipeline)
	}
	// the chain only fires off a tagged artifact; without a registry
	// repository it would never trigger at all
	if c.Chain.Pipeline != "" && c.Registry.Repository == "" {
		return missing("registry repository for chained pipeline " + c.Chain.Pipeline)
	}
	if c.Registry.Host != "" && c.Registry.Repository == "" {
		return missing("registry repository")
	}
	if c.Scanner.Host != "" {
		if _, err := collaborator.NewPolicy(c.Scanner.Policy); err != nil {
			return errors.Wrap(err, "invalid scan policy")
		}
	}
	if c.Gitops.Host != "" {
		if c.Gitops.Owner == "" || c.Gitops.Repo == "" || c.Gitops.Branch == "" {
			return missing("gitops owner/repo/branch")
		}
		if c.Secrets.GitopsToken == "" {
			return missing("RELAY_GITOPS_TOKEN")
		}
	}
	return nil
}
