package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/artpar/deploychain/internal/core/compose"
	"github.com/artpar/deploychain/internal/engine"
	"github.com/artpar/deploychain/internal/shell/api"
	"github.com/artpar/deploychain/internal/shell/docker"
	"github.com/artpar/deploychain/internal/shell/evm"
	"github.com/artpar/deploychain/internal/shell/store"
)

// =============================================================================
// Stores
// =============================================================================

// stores bundles the config store of one network with its journal.
type stores struct {
	config  store.ConfigStore
	records api.RecordSource
	journal store.Journal // nil when disabled
	closers []func() error
}

func (s *stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openStores opens the config store and journal for network.
func openStores(cfg *Config, network string) (*stores, error) {
	s := &stores{}
	path := cfg.Store.StorePath(network)

	switch cfg.Store.Driver {
	case "file":
		fs, err := store.NewFileStore(path)
		if err != nil {
			return nil, err
		}
		s.config, s.records = fs, fs
	case "sqlite":
		ss, err := store.NewSQLiteStore(path, network)
		if err != nil {
			return nil, err
		}
		s.config, s.records = ss, ss
		s.closers = append(s.closers, ss.Close)
		if cfg.Journal.DSN == "" || cfg.Journal.DSN == path {
			s.journal = ss
			return s, nil
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Journal.DSN != "" {
		j, err := store.NewSQLiteStore(cfg.Journal.DSN, network)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.journal = j
		s.closers = append(s.closers, j.Close)
	}
	return s, nil
}

// =============================================================================
// Backends
// =============================================================================

// backend provisions and wires units on one network.
type backend interface {
	engine.Deployer
	engine.Invoker
	Close() error
}

func openBackend(ctx context.Context, nc NetworkConfig, logger *slog.Logger) (backend, error) {
	switch nc.Backend {
	case BackendEVM:
		gasPrice, err := nc.GasPriceWei()
		if err != nil {
			return nil, err
		}
		b, err := evm.Dial(ctx, evm.Config{
			RPCURL:        nc.RPCURL,
			ChainID:       nc.ChainID,
			PrivateKey:    os.Getenv(nc.PrivateKeyEnv),
			ArtifactsDir:  nc.ArtifactsDir,
			GasLimit:      nc.GasLimit,
			GasPrice:      gasPrice,
			Confirmations: nc.Confirmations,
			Timeout:       nc.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to chain", "rpc_url", nc.RPCURL, "caller", b.Caller().Hex())
		return b, nil

	case BackendDocker:
		data, err := os.ReadFile(nc.ComposeFile)
		if err != nil {
			return nil, fmt.Errorf("read compose file: %w", err)
		}
		catalog, err := compose.ParseCatalog(nc.Project, string(data), environ())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", nc.ComposeFile, err)
		}
		client, err := docker.NewDockerClient(ctx, nc.DockerHost)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, err
		}
		logger.Info("connected to docker", "project", nc.Project, "units", len(catalog.Names()))
		return docker.NewBackend(client, catalog, nc.Caller, logger), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", nc.Backend)
	}
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
