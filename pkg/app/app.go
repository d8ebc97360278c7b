package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/cli/globalflag"
	"k8s.io/component-base/term"

	"github.com/autopeer-io/mqttconsole/pkg/log"
)

// RunFunc runs the application once its options are loaded and valid.
type RunFunc func() error

// ConfigChangeFunc is called with the reloaded configuration after the
// config file changes on disk.
type ConfigChangeFunc func(v *viper.Viper)

// App is a cobra command backed by NamedFlagSetOptions.
type App struct {
	basename    string
	shortDesc   string
	description string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	noConfig    bool
	args        cobra.PositionalArgs
	onChange    ConfigChangeFunc

	cfgFile string
	viper   *viper.Viper
	cmd     *cobra.Command
}

// Option configures an App.
type Option func(*App)

// WithOptions sets the options whose flags the command exposes.
func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.runFunc = run }
}

func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithNoConfig disables the --config flag and environment binding.
func WithNoConfig() Option {
	return func(a *App) { a.noConfig = true }
}

// WithValidArgs sets the positional argument validation.
func WithValidArgs(args cobra.PositionalArgs) Option {
	return func(a *App) { a.args = args }
}

// WithDefaultValidArgs rejects any positional argument.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithWatchConfig reloads the config file when it changes and hands the
// result to fn.
func WithWatchConfig(fn ConfigChangeFunc) Option {
	return func(a *App) { a.onChange = fn }
}

// NewApp creates a new application instance based on the given application
// name, short description and options.
func NewApp(name string, shortDesc string, opts ...Option) *App {
	a := &App{
		basename:  formatBaseName(name),
		shortDesc: shortDesc,
	}
	for _, o := range opts {
		o(a)
	}

	a.buildCommand()
	return a
}

// Command returns the underlying cobra command.
func (a *App) Command() *cobra.Command { return a.cmd }

// Viper returns the configuration loaded for the last run.
func (a *App) Viper() *viper.Viper { return a.viper }

// Run executes the command and exits the process on failure.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:   a.basename,
		Short: a.shortDesc,
		Long:  a.description,
		// stop printing usage when the command errors
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true

	var fss cliflag.NamedFlagSets
	if a.options != nil {
		fss = a.options.Flags()
	}
	if !a.noConfig {
		addConfigFlag(fss.FlagSet("global"), a.basename, &a.cfgFile)
	}
	globalflag.AddGlobalFlags(fss.FlagSet("global"), cmd.Name())

	fs := cmd.Flags()
	for _, f := range fss.FlagSets {
		fs.AddFlagSet(f)
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, fss, cols)

	if a.runFunc != nil {
		cmd.RunE = a.runCommand
	}
	a.cmd = cmd
}

func (a *App) runCommand(cmd *cobra.Command, args []string) error {
	if !a.noConfig && a.options != nil {
		if err := a.loadConfig(cmd); err != nil {
			return err
		}
	}

	if a.options != nil {
		if err := a.options.Complete(); err != nil {
			return err
		}
		if err := a.options.Validate(); err != nil {
			return err
		}
	}

	return a.runFunc()
}

// loadConfig overlays the config file and environment onto the options.
// Flags set on the command line win over both.
func (a *App) loadConfig(cmd *cobra.Command) error {
	v := newViper(a.basename, a.cfgFile)
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := readConfig(v, a.cfgFile != ""); err != nil {
		return err
	}
	if err := v.Unmarshal(a.options); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	a.viper = v

	if a.onChange != nil && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Info("Config file changed", "file", e.Name, "op", e.Op.String())
			a.onChange(v)
		})
		v.WatchConfig()
	}
	return nil
}

func formatBaseName(name string) string {
	name = filepath.Base(name)
	return strings.TrimSuffix(strings.ToLower(name), ".exe")
}
