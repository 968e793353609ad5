package main

import (
	"context"
	"fmt"
	"io"

	gateway "github.com/goliatone/go-gateway"
	"github.com/goliatone/go-gateway/adapters/gologger"
	"github.com/goliatone/go-gateway/core"
	"github.com/spf13/cobra"
)

type cliOptions struct {
	configPath string
	envFiles   []string
	verbose    bool
	sqlKeyFile string
}

// runtime holds what a subcommand needs once the service is built.
type runtime struct {
	service *gateway.Service
	logger  *gologger.ZapLogger
	out     io.Writer
	close   func()
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "LLM provider credential and invocation gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", core.DefaultConfigPath, "routing config file (json, yaml or toml)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, ".env files consulted for api keys")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&opts.sqlKeyFile, "sql-key-file", "", "sealing key for the sql backend (default <storage.dir>/sql.key)")

	root.AddCommand(
		loginCmd(opts),
		logoutCmd(opts),
		statusCmd(opts),
		refreshCmd(opts),
		invokeCmd(opts),
		serveCmd(opts),
	)
	return root
}

func (o *cliOptions) open(ctx context.Context, out io.Writer, extra ...gateway.Option) (*runtime, error) {
	logger, err := gologger.NewDevelopmentLogger(o.verbose)
	if err != nil {
		return nil, fmt.Errorf("gateway: build logger: %w", err)
	}
	loader := core.NewFileConfigLoader(o.configPath)
	cfg, err := gateway.ResolveConfig(ctx, gateway.Config{}, loader)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	closers := []func(){func() { _ = logger.Sync() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	setupOpts := []gateway.SetupOption{
		gateway.WithConfigLoader(loader),
		gateway.WithDotEnvFiles(o.envFiles...),
		gateway.WithStoreDiagnostics(storeDiagnosticsLogger(logger)),
	}
	if cfg.Storage.SQLDriver != "" {
		backend, closeSQL, err := openSQLBackend(ctx, cfg.Storage, o.sqlKeyFile)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, closeSQL)
		setupOpts = append(setupOpts, gateway.WithSQLBackend(backend))
	}

	serviceOpts := []gateway.Option{
		gateway.WithLoggerProvider(gologger.NewZapProvider(logger)),
		gateway.WithLogger(logger),
	}
	serviceOpts = append(serviceOpts, extra...)
	setupOpts = append(setupOpts, gateway.WithServiceOptions(serviceOpts...))

	service, err := gateway.Setup(ctx, gateway.Config{}, setupOpts...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return &runtime{service: service, logger: logger, out: out, close: closeAll}, nil
}
