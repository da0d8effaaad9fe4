package main

import (
	"fmt"
	"log/slog"
	"os"
	osuser "os/user"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/term"

	"github.com/freitascorp/cumin/pkg/config"
	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/executor"
	"github.com/freitascorp/cumin/pkg/history"
	"github.com/freitascorp/cumin/pkg/query"
	"github.com/freitascorp/cumin/pkg/tlsconfig"
	"github.com/freitascorp/cumin/pkg/transport"
)

func newStderrLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// buildRegistry registers the built-in backends named by cfg, skipping
// any whose configuration is absent (e.g. no puppetdb.host set). It
// never consults cfg.Plugins.Backends: loading arbitrary external Go
// plugins is out of scope here, same as spec.md leaves it unspecified
// beyond naming the mechanism.
func buildRegistry(cfg *config.Config) (*query.Registry, error) {
	reg := query.NewRegistry()

	if err := reg.Register(query.NewDirectBackend()); err != nil {
		return nil, err
	}

	if len(cfg.KnownHosts.Files) > 0 {
		kh, err := query.NewKnownHostsBackend(cfg.KnownHosts.Files...)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(kh); err != nil {
			return nil, err
		}
	}

	if cfg.PuppetDB.Host != "" {
		configureTLS := func(c *resty.Client) error {
			tlsCfg, err := tlsconfig.Load(tlsconfig.Material{
				ClientCertFile:     cfg.PuppetDB.SSLClientCert,
				ClientKeyFile:      cfg.PuppetDB.SSLClientKey,
				InsecureSkipVerify: !cfg.PuppetDB.SSLVerify,
			})
			if err != nil {
				return err
			}
			c.SetTLSClientConfig(tlsCfg)
			return nil
		}
		pdb, err := query.NewPuppetDBBackend(query.PuppetDBConfig{
			Host:                    cfg.PuppetDB.Host,
			Port:                    cfg.PuppetDB.Port,
			Scheme:                  cfg.PuppetDB.Scheme,
			APIVersion:              cfg.PuppetDB.APIVersion,
			Timeout:                 cfg.PuppetDB.Timeout,
			SSLVerify:               cfg.PuppetDB.SSLVerify,
			SSLClientCert:           cfg.PuppetDB.SSLClientCert,
			SSLClientKey:            cfg.PuppetDB.SSLClientKey,
			InsecureDisableWarnings: cfg.PuppetDB.InsecureDisableWarnings,
		}, configureTLS)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(pdb); err != nil {
			return nil, err
		}
	}

	if cfg.OpenStack.AuthURL != "" {
		osb, err := query.NewOpenStackBackend(query.OpenStackConfig{
			AuthURL:            cfg.OpenStack.AuthURL,
			Username:           cfg.OpenStack.Username,
			Password:           cfg.OpenStack.Password,
			ProjectName:        cfg.OpenStack.ProjectName,
			DomainSuffix:       cfg.OpenStack.DomainSuffix,
			NovaAPIVersion:     cfg.OpenStack.NovaAPIVersion,
			Timeout:            cfg.OpenStack.Timeout,
			QueryParams:        cfg.OpenStack.QueryParams,
			CACertFile:         cfg.OpenStack.CACert,
			ClientCertFile:     cfg.OpenStack.ClientCert,
			ClientKeyFile:      cfg.OpenStack.ClientKey,
			InsecureSkipVerify: cfg.OpenStack.InsecureSkipVerify,
		})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(osb); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func buildResolver(cfg *config.Config, configPath string) (*query.Resolver, error) {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	aliasMap, err := config.LoadAliases(configPath)
	if err != nil {
		return nil, err
	}
	return query.NewResolver(reg, query.NewAliasTable(aliasMap), cfg.DefaultBackend), nil
}

// buildTransport builds the transport named by cfg.Transport ("ssh",
// the default, or "local" for development/self-targeting). password, if
// non-empty, overrides key-based auth for the SSH transport (see
// promptPassword and the --ask-pass flag).
func buildTransport(cfg *config.Config, password string) (executor.Transport, error) {
	switch cfg.Transport {
	case "", "ssh":
		sshCfg := sshConfigFrom(cfg)
		if password != "" {
			sshCfg.Password = password
		}
		return transport.NewSSHTransport(sshCfg)
	case "local":
		return transport.NewLocalTransport(), nil
	default:
		return nil, cuminerrors.New(cuminerrors.ConfigError, "unknown transport %q (supported: ssh, local)", cfg.Transport)
	}
}

// promptPassword reads an SSH password from the controlling terminal
// without echoing it, for --ask-pass.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "SSH password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", cuminerrors.Wrap(cuminerrors.ConfigError, err, "reading password")
	}
	return string(pw), nil
}

func buildHistoryStore(cfg *config.Config, logger *slog.Logger) (history.Store, error) {
	histCfg := history.Config{Driver: cfg.History.Driver, DSN: cfg.History.DSN}
	if cfg.History.Postgres != nil {
		histCfg.Postgres = cfg.History.Postgres
	}
	return history.NewStore(histCfg, logger)
}

// sshConfigFrom builds the SSH transport's connection settings. cumin
// runs commands as the invoking user by default, same as ClusterShell;
// override with CUMIN_SSH_USER.
func sshConfigFrom(cfg *config.Config) transport.SSHConfig {
	user := os.Getenv("CUMIN_SSH_USER")
	if user == "" {
		if u, err := osuser.Current(); err == nil {
			user = u.Username
		}
	}
	return transport.SSHConfig{
		User:           user,
		ConnectTimeout: 10 * time.Second,
		SSHOptions:     cfg.ClusterShell.SSHOptions,
	}
}
