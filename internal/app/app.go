// Package app builds the provisioning stack from loaded settings. Both the
// provisioner service and the imagebuilder CLI go through it.
package app

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/andrej220/goldenimage/pkg/checkpoint"
	"github.com/andrej220/goldenimage/pkg/config"
	"github.com/andrej220/goldenimage/pkg/content"
	"github.com/andrej220/goldenimage/pkg/executor"
	"github.com/andrej220/goldenimage/pkg/lg"
	"github.com/andrej220/goldenimage/pkg/provision"
	"github.com/andrej220/goldenimage/pkg/runstore"
	"github.com/andrej220/goldenimage/pkg/secrets"
)

// Options carries the pieces that outlive a settings reload.
type Options struct {
	Locks    *provision.HostLocks
	Observer provision.Observer
	// Credentials overrides the resolver the settings would build.
	Credentials executor.CredentialResolver
	// ObjectStore overrides the S3 store the settings would build.
	ObjectStore content.ObjectStore
}

// OpenStore picks the settings backend. A non-empty mongoURI wins over path.
func OpenStore(path string, mongo config.MongoConfig) (config.Config, error) {
	if mongo.URI != "" {
		return config.NewStore(config.MongoStore, &mongo)
	}
	return config.NewStore(config.FileStore, &config.FileConfig{Path: path})
}

// Credentials builds the resolver named by s.Secrets. Without a secrets
// directory every lookup fails with secrets.ErrNotFound.
func Credentials(s *config.Settings) (executor.CredentialResolver, error) {
	if s.Secrets.Dir == "" {
		return secrets.Static{}, nil
	}
	return secrets.NewAgeStore(s.Secrets.Dir, s.Secrets.IdentityFile)
}

// BuildExecutor wires dialer, dispatcher and executor for s.
func BuildExecutor(ctx context.Context, s *config.Settings, opts Options, logger lg.Logger) (*provision.Executor, error) {
	if logger == nil {
		logger = lg.Discard
	}
	shell, err := executor.ShellFor(s.Shell)
	if err != nil {
		return nil, err
	}
	codec, err := checkpoint.ForName(s.Codec)
	if err != nil {
		return nil, err
	}
	statuses, err := provision.ParseStatusTable(s.Statuses)
	if err != nil {
		return nil, err
	}

	creds := opts.Credentials
	if creds == nil {
		if creds, err = Credentials(s); err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
	}

	store := opts.ObjectStore
	if store == nil {
		s3, err := content.NewS3Store(ctx, s.S3)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		store = s3
	}

	resilience := executor.DefaultResilienceConfig()
	if s.SSH.DialMaxElapsed > 0 {
		b := *resilience.BackoffSettings
		b.MaxElapsedTime = s.SSH.DialMaxElapsed
		resilience.BackoffSettings = &b
	}
	dialer := executor.NewSSHDialer(creds, shell, executor.SSHOptions{
		DialTimeout: s.SSH.DialTimeout,
		KnownHosts:  s.SSH.KnownHosts,
		Resilience:  resilience,
	}, logger)

	dispatcher := provision.NewDispatcher(provision.DispatcherConfig{
		Locator:    content.NewLocator(store, s.PresignTTL),
		Statuses:   statuses,
		StagingDir: s.StagingDir,
		Observer:   opts.Observer,
	})

	logger.Info("executor ready",
		lg.String("shell", shell.Name()),
		lg.String("codec", codec.Name()),
		lg.Duration("budget", s.Budget),
		lg.String("staging_dir", s.StagingDir))

	return provision.NewExecutor(dialer, dispatcher, provision.Config{
		Budget:   s.Budget,
		Codec:    codec,
		Locks:    opts.Locks,
		Observer: opts.Observer,
		Logger:   logger,
	}), nil
}

// OpenRunStore opens the run record backend named by s.RunStore. Mongo
// connections are retried with backoff since the database often starts
// after the service in compose setups.
func OpenRunStore(ctx context.Context, s *config.Settings, logger lg.Logger) (runstore.Store, error) {
	switch s.RunStore.Kind {
	case "", "none":
		return runstore.Nop{}, nil
	case "file":
		return runstore.NewFileStore(s.RunStore.Dir)
	case "mongo":
		m := s.RunStore.Mongo
		var store *runstore.MongoStore
		op := func() error {
			var err error
			store, err = runstore.NewMongoStore(ctx, m.URI, m.DBName, m.CollName)
			if err != nil && logger != nil {
				logger.Warn("run store not reachable, retrying", lg.Err(err))
			}
			return err
		}
		b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		if err := backoff.Retry(op, b); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: run store kind %q", config.ErrInvalidConfig, s.RunStore.Kind)
	}
}
