package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/nodeset"
	"github.com/freitascorp/cumin/pkg/resilience"
	"github.com/freitascorp/cumin/pkg/tlsconfig"
)

// OpenStackConfig configures Keystone authentication and the Nova
// instance listing used to resolve a query.
type OpenStackConfig struct {
	AuthURL        string
	Username       string
	Password       string
	ProjectName    string
	DomainSuffix   string
	NovaAPIVersion string
	Timeout        time.Duration
	QueryParams    map[string]string // extra filters merged into every listing

	// CACertFile, ClientCertFile and ClientKeyFile configure TLS
	// verification for AuthURL, same as the PuppetDB backend's
	// ssl_client_cert/ssl_client_key; all optional.
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// OpenStackBackend authenticates against Keystone and enumerates Nova
// instances, returning FQDNs built from the configured domain suffix.
type OpenStackBackend struct {
	cfg      OpenStackConfig
	client   *resty.Client
	pipeline *resilience.Pipeline

	token string
}

// NewOpenStackBackend builds the OpenStack backend.
func NewOpenStackBackend(cfg OpenStackConfig) (*OpenStackBackend, error) {
	if cfg.AuthURL == "" {
		return nil, cuminerrors.New(cuminerrors.ConfigError, "openstack.auth_url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	tlsCfg, err := tlsconfig.Load(tlsconfig.Material{
		CACertFile:         cfg.CACertFile,
		ClientCertFile:     cfg.ClientCertFile,
		ClientKeyFile:      cfg.ClientKeyFile,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	client := resty.New().SetTimeout(cfg.Timeout).SetTLSClientConfig(tlsCfg)

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "openstack", MaxFailures: 5})
	pipeline := resilience.NewPipeline(slog.Default(),
		resilience.WithCircuitBreaker(cb),
		resilience.WithRetry(resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			RetryableErr: isTransientHTTPErr,
		}),
		resilience.WithPipelineTimeout(cfg.Timeout),
	)

	return &OpenStackBackend{cfg: cfg, client: client, pipeline: pipeline}, nil
}

func (b *OpenStackBackend) Prefix() string { return "O" }

// keystoneAuthRequest and keystoneAuthResponse model only the fields this
// backend needs from the identity v3 password grant.
type keystoneAuthRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password struct {
				User struct {
					Name     string `json:"name"`
					Password string `json:"password"`
					Domain   struct {
						Name string `json:"name"`
					} `json:"domain"`
				} `json:"user"`
			} `json:"password"`
		} `json:"identity"`
		Scope struct {
			Project struct {
				Name   string `json:"name"`
				Domain struct {
					Name string `json:"name"`
				} `json:"domain"`
			} `json:"project"`
		} `json:"scope"`
	} `json:"auth"`
}

type novaServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	VMState string `json:"OS-EXT-STS:vm_state"`
}

type novaServersResponse struct {
	Servers []novaServer `json:"servers"`
}

func (b *OpenStackBackend) authenticate(ctx context.Context) (string, error) {
	if b.token != "" {
		return b.token, nil
	}

	var req keystoneAuthRequest
	req.Auth.Identity.Methods = []string{"password"}
	req.Auth.Identity.Password.User.Name = b.cfg.Username
	req.Auth.Identity.Password.User.Password = b.cfg.Password
	req.Auth.Scope.Project.Name = b.cfg.ProjectName

	resp, err := b.client.R().SetContext(ctx).
		SetBody(req).
		Post(b.cfg.AuthURL + "/auth/tokens")
	if err != nil {
		return "", cuminerrors.Wrap(cuminerrors.BackendAuth, err, "keystone authentication request failed")
	}
	if resp.IsError() {
		return "", cuminerrors.New(cuminerrors.BackendAuth, "keystone rejected credentials: %s", resp.Status())
	}

	token := resp.Header().Get("X-Subject-Token")
	if token == "" {
		return "", cuminerrors.New(cuminerrors.BackendAuth, "keystone response missing X-Subject-Token")
	}
	b.token = token
	return token, nil
}

// Resolve's payload is a simple space-separated "key=value" filter list,
// merged over the configured defaults (status=ACTIVE, vm_state=ACTIVE).
func (b *OpenStackBackend) Resolve(ctx context.Context, payload string) (nodeset.NodeSet, error) {
	filters := map[string]string{"status": "ACTIVE", "vm_state": "ACTIVE"}
	for k, v := range b.cfg.QueryParams {
		filters[k] = v
	}
	extra, err := parseFilterString(payload)
	if err != nil {
		return nodeset.NodeSet{}, err
	}
	for k, v := range extra {
		filters[k] = v
	}

	var hosts []string
	err = b.pipeline.Execute(ctx, func(ctx context.Context) error {
		token, err := b.authenticate(ctx)
		if err != nil {
			return err
		}

		req := b.client.R().SetContext(ctx).SetHeader("X-Auth-Token", token)
		for k, v := range filters {
			req.SetQueryParam(k, v)
		}
		resp, err := req.Get(fmt.Sprintf("/compute/%s/servers/detail", b.cfg.NovaAPIVersion))
		if err != nil {
			return err
		}
		if resp.IsError() {
			return cuminerrors.New(cuminerrors.BackendUnreachable, "nova responded %s", resp.Status())
		}

		var parsed novaServersResponse
		if jsonErr := json.Unmarshal(resp.Body(), &parsed); jsonErr != nil {
			return cuminerrors.Wrap(cuminerrors.BackendUnreachable, jsonErr, "decoding nova response")
		}
		for _, s := range parsed.Servers {
			fqdn := s.Name
			if b.cfg.DomainSuffix != "" {
				fqdn = fqdn + "." + b.cfg.DomainSuffix
			}
			hosts = append(hosts, fqdn)
		}
		return nil
	})
	if err != nil {
		return nodeset.NodeSet{}, err
	}

	return nodeset.New(hosts...), nil
}

func parseFilterString(payload string) (map[string]string, error) {
	out := make(map[string]string)
	for _, field := range splitFields(payload) {
		if field == "" {
			continue
		}
		key, value, ok := cutOnce(field, "=")
		if !ok {
			return nil, cuminerrors.New(cuminerrors.InvalidQuery, "openstack filter %q: expected key=value", field)
		}
		out[key] = value
	}
	return out, nil
}

func splitFields(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func cutOnce(s, sep string) (before, after string, found bool) {
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return s[:i], s[i+len(sep):], true
		}
	}
	return s, "", false
}
