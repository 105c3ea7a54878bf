package servicediscover

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"licensing-controlplane/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module registers the HTTP API in Consul for the lifetime of the app when
// CONSUL.ADDR is set.
var Module = fx.Module("servicediscover",
	fx.Provide(NewRegistry),
	fx.Invoke(register),
)

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	service   *api.AgentServiceRegistration
}

type noopRegistry struct{}

func (noopRegistry) Register(context.Context) error   { return nil }
func (noopRegistry) Deregister(context.Context) error { return nil }

func NewRegistry(cfg *config.Config) (ServiceRegistry, error) {
	if cfg.Consul.Addr == "" {
		return noopRegistry{}, nil
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Consul.Addr

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}

	service, err := Registration(cfg)
	if err != nil {
		return nil, err
	}

	return &ConsulRegistry{
		client:    client,
		serviceID: service.ID,
		service:   service,
	}, nil
}

// Registration describes this instance with a readiness check against
// /readyz.
func Registration(cfg *config.Config) (*api.AgentServiceRegistration, error) {
	port, err := strconv.Atoi(strings.TrimPrefix(cfg.Server.Addr, ":"))
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_SERVER.ADDR %q: %w", cfg.Server.Addr, err)
	}

	host := cfg.Consul.ServiceHost
	if host == "" {
		host, _ = os.Hostname()
	}

	scheme := "http"
	if cfg.TLS.Enable {
		scheme = "https"
	}

	return &api.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%s-%d", cfg.AppName, host, port),
		Name:    cfg.AppName,
		Address: host,
		Port:    port,
		Tags:    []string{cfg.AppEnv, cfg.AppVersion},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("%s://%s:%d/readyz", scheme, host, port),
			Interval:                       "10s",
			Timeout:                        "5s",
			TLSSkipVerify:                  cfg.TLS.Enable,
			DeregisterCriticalServiceAfter: "1m",
		},
	}, nil
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.client.Agent().ServiceRegister(r.service)
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.client.Agent().ServiceDeregister(r.serviceID)
}

func register(lc fx.Lifecycle, r ServiceRegistry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := r.Register(ctx); err != nil {
				zap.L().Error("[Consul] failed to register service", zap.Error(err))
				return err
			}
			zap.L().Info("[Consul] service registered")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return r.Deregister(ctx)
		},
	})
}
