// Package config loads cumin's YAML configuration file, overlays it
// with CUMIN_-prefixed environment variables, and loads the sibling
// aliases.yaml file referenced by spec.md §3's AliasTable.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/history"
)

// PuppetDBConfig is the YAML shape of the puppetdb.* key group.
type PuppetDBConfig struct {
	Host                    string `yaml:"host" env:"CUMIN_PUPPETDB_HOST"`
	Port                    int    `yaml:"port" env:"CUMIN_PUPPETDB_PORT"`
	Scheme                  string `yaml:"scheme" env:"CUMIN_PUPPETDB_SCHEME"`
	APIVersion              int    `yaml:"api_version" env:"CUMIN_PUPPETDB_API_VERSION"`
	Timeout                 time.Duration `yaml:"timeout" env:"CUMIN_PUPPETDB_TIMEOUT"`
	SSLVerify               bool   `yaml:"ssl_verify" env:"CUMIN_PUPPETDB_SSL_VERIFY"`
	SSLClientCert           string `yaml:"ssl_client_cert" env:"CUMIN_PUPPETDB_SSL_CLIENT_CERT"`
	SSLClientKey            string `yaml:"ssl_client_key" env:"CUMIN_PUPPETDB_SSL_CLIENT_KEY"`
	InsecureDisableWarnings bool   `yaml:"urllib3_disable_warnings" env:"CUMIN_PUPPETDB_DISABLE_WARNINGS"`
}

// OpenStackConfig is the YAML shape of the openstack.* key group.
type OpenStackConfig struct {
	AuthURL            string            `yaml:"auth_url" env:"CUMIN_OPENSTACK_AUTH_URL"`
	Username           string            `yaml:"username" env:"CUMIN_OPENSTACK_USERNAME"`
	Password           string            `yaml:"password" env:"CUMIN_OPENSTACK_PASSWORD"`
	ProjectName        string            `yaml:"project_name" env:"CUMIN_OPENSTACK_PROJECT_NAME"`
	DomainSuffix       string            `yaml:"domain_suffix" env:"CUMIN_OPENSTACK_DOMAIN_SUFFIX"`
	NovaAPIVersion     string            `yaml:"nova_api_version" env:"CUMIN_OPENSTACK_NOVA_API_VERSION"`
	Timeout            time.Duration     `yaml:"timeout" env:"CUMIN_OPENSTACK_TIMEOUT"`
	ClientParams       map[string]string `yaml:"client_params"`
	QueryParams        map[string]string `yaml:"query_params"`
	CACert             string            `yaml:"ssl_ca_cert" env:"CUMIN_OPENSTACK_SSL_CA_CERT"`
	ClientCert         string            `yaml:"ssl_client_cert" env:"CUMIN_OPENSTACK_SSL_CLIENT_CERT"`
	ClientKey          string            `yaml:"ssl_client_key" env:"CUMIN_OPENSTACK_SSL_CLIENT_KEY"`
	InsecureSkipVerify bool              `yaml:"ssl_insecure" env:"CUMIN_OPENSTACK_SSL_INSECURE"`
}

// KnownHostsConfig is the YAML shape of the knownhosts.* key group.
type KnownHostsConfig struct {
	Files []string `yaml:"files"`
}

// ClusterShellConfig is the YAML shape of the clustershell.* key group:
// the transport layer's own tuning knobs.
type ClusterShellConfig struct {
	SSHOptions []string `yaml:"ssh_options"`
	Fanout     int      `yaml:"fanout" env:"CUMIN_CLUSTERSHELL_FANOUT"`
}

// KerberosConfig is the YAML shape of the kerberos.* key group.
type KerberosConfig struct {
	EnsureTicket     bool `yaml:"ensure_ticket" env:"CUMIN_KERBEROS_ENSURE_TICKET"`
	EnsureTicketRoot bool `yaml:"ensure_ticket_root" env:"CUMIN_KERBEROS_ENSURE_TICKET_ROOT"`
}

// PluginBackend names an external backend module to load at startup,
// alongside the built-ins.
type PluginBackend struct {
	Prefix string `yaml:"prefix"`
	Module string `yaml:"module"`
}

// HistoryConfig selects cumin's execution history store (§4.11).
type HistoryConfig struct {
	Driver   string                    `yaml:"driver" env:"CUMIN_HISTORY_DRIVER"`
	DSN      string                    `yaml:"dsn" env:"CUMIN_HISTORY_DSN"`
	Postgres *history.PostgresConfig   `yaml:"postgres"`
}

// Config is cumin's full YAML configuration (spec.md §6.2), loaded from
// a file and then overlaid with CUMIN_-prefixed environment variables.
type Config struct {
	Transport      string              `yaml:"transport" env:"CUMIN_TRANSPORT"`
	DefaultBackend string              `yaml:"default_backend" env:"CUMIN_DEFAULT_BACKEND"`
	LogFile        string              `yaml:"log_file" env:"CUMIN_LOG_FILE"`
	Environment    map[string]string   `yaml:"environment"`
	PuppetDB       PuppetDBConfig      `yaml:"puppetdb"`
	OpenStack      OpenStackConfig     `yaml:"openstack"`
	KnownHosts     KnownHostsConfig    `yaml:"knownhosts"`
	ClusterShell   ClusterShellConfig  `yaml:"clustershell"`
	Kerberos       KerberosConfig      `yaml:"kerberos"`
	Plugins        struct {
		Backends []PluginBackend `yaml:"backends"`
	} `yaml:"plugins"`
	History HistoryConfig `yaml:"history"`
}

// defaults fills in the config's documented defaults before the YAML
// file and environment overlay are applied.
func defaults() Config {
	c := Config{Transport: "ssh"}
	c.ClusterShell.Fanout = 64
	return c
}

// Load reads the YAML config file at path, then overlays every field
// tagged env:"CUMIN_..." from the process environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "reading config file %s", path)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "parsing config file %s", path)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "applying CUMIN_ environment overrides")
	}
	if cfg.ClusterShell.Fanout <= 0 {
		cfg.ClusterShell.Fanout = 64
	}
	return &cfg, nil
}

// LoadAliases reads the aliases.yaml file sitting next to the config
// file at configPath (same directory, fixed name). A missing file is
// not an error: it means no aliases are defined.
func LoadAliases(configPath string) (map[string]string, error) {
	path := filepath.Join(filepath.Dir(configPath), "aliases.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "reading aliases file %s", path)
	}

	var aliases map[string]string
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "parsing aliases file %s", path)
	}
	return aliases, nil
}
