package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/songzhibin97/flowcore/config"
	"github.com/songzhibin97/flowcore/definition"
	"github.com/songzhibin97/flowcore/logger"
	"github.com/songzhibin97/flowcore/registry"
	"github.com/songzhibin97/flowcore/rules"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	config.SetupFlags(cmd.PersistentFlags())
	return viper.BindPFlags(cmd.PersistentFlags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error
	c.cfg, err = config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	return logger.Init(c.cfg.LogLevel, c.cfg.LogFormat)
}

func (c *cli) serve(cmd *cobra.Command, args []string) error {
	defer logger.Sync()

	agent, err := NewAgent(c.cfg)
	if err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() {
		errc <- agent.Start()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errc:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
			_ = agent.Shutdown()
			return err
		}
	}
	return agent.Shutdown()
}

// validate checks definition files offline: authoring rules, guard syntax,
// and, when a registry file is configured, that every function code resolves.
func (c *cli) validate(cmd *cobra.Command, args []string) error {
	var catalog *registry.Catalog
	if c.cfg.RegistryFile != "" {
		catalog = registry.NewCatalog()
		if err := catalog.LoadFile(c.cfg.RegistryFile); err != nil {
			return err
		}
	}

	guards := rules.NewPathEvaluator()
	failed := 0
	for _, path := range args {
		if err := validateFile(cmd, path, guards, catalog); err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
	}
	return nil
}

func validateFile(cmd *cobra.Command, path string, guards *rules.PathEvaluator, catalog *registry.Catalog) error {
	def, err := definition.LoadFile(path)
	if err != nil {
		return err
	}
	if err := definition.Validate(def, guards); err != nil {
		return err
	}
	if catalog == nil {
		return nil
	}
	g, err := definition.Compile(def)
	if err != nil {
		return err
	}
	for _, node := range g.Tasks() {
		if _, err := catalog.Resolve(cmd.Context(), node.FunctionCode); err != nil {
			return fmt.Errorf("%w: node %s", err, node.ID)
		}
	}
	return nil
}

func newRootCommand() (*cobra.Command, error) {
	cli := &cli{}

	root := &cobra.Command{
		Use:               "flowcore",
		Short:             "Deterministic workflow execution engine",
		PersistentPreRunE: cli.setupConfig,
		SilenceUsage:      true,
	}
	if err := setupFlags(root); err != nil {
		return nil, err
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  cli.serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate [definition files]",
		Short: "Validate workflow definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  cli.validate,
	})
	return root, nil
}

func main() {
	cmd, err := newRootCommand()
	if err != nil {
		log.Fatal(err)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
