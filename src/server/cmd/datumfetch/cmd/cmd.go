// Package cmd implements the datumfetch command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pachyderm/datumfetch/src/internal/assembler"
	"github.com/pachyderm/datumfetch/src/internal/cmdutil"
	"github.com/pachyderm/datumfetch/src/internal/errors"
	"github.com/pachyderm/datumfetch/src/internal/fsutil"
	"github.com/pachyderm/datumfetch/src/internal/grpcutil"
	"github.com/pachyderm/datumfetch/src/internal/log"
	"github.com/pachyderm/datumfetch/src/internal/pctx"
	"github.com/pachyderm/datumfetch/src/internal/promutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Env is the configuration read from the environment.  Every field is also a flag default.
type Env struct {
	Address     string `env:"PACHD_ADDRESS"`
	ServiceHost string `env:"PACHD_SERVICE_HOST"`
	ServicePort uint16 `env:"PACHD_SERVICE_PORT"`
	Token       string `env:"PACH_AUTH_TOKEN"`
	CACerts     string `env:"PACH_CA_CERTS"`
	CACertsPEM  string `env:"PACH_CA_CERTS_PEM"`

	Repo          string `env:"PACH_REPO"`
	Branch        string `env:"PACH_BRANCH"`
	FilesetID     string `env:"PACH_FILESET_ID"`
	DatumID       string `env:"PACH_DATUM_ID"`
	StagingRoot   string `env:"STAGING_ROOT"`
	CacheLocation string `env:"CACHE_LOCATION"`

	Assembler assembler.Config

	MetricsTextfile string `env:"METRICS_TEXTFILE"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`
}

// StoreAddress resolves where the content store is.  PACHD_ADDRESS wins over the Kubernetes
// service variables.
func (e *Env) StoreAddress() (*grpcutil.StoreAddress, error) {
	if e.Address != "" {
		return grpcutil.ParseStoreAddress(e.Address)
	}
	if e.ServiceHost == "" {
		return nil, grpcutil.ErrNoStoreAddress
	}
	port := e.ServicePort
	if port == 0 {
		port = grpcutil.DefaultStorePort
	}
	return grpcutil.ParseStoreAddress(net.JoinHostPort(e.ServiceHost, strconv.Itoa(int(port))))
}

// TrustBundle returns the PEM certificates from PACH_CA_CERTS and PACH_CA_CERTS_PEM, if any.
func (e *Env) TrustBundle() ([]byte, error) {
	var bundle []byte
	if e.CACerts != "" {
		b, err := os.ReadFile(e.CACerts)
		if err != nil {
			return nil, errors.Wrapf(err, "read trust bundle %q", e.CACerts)
		}
		bundle = append(bundle, b...)
		bundle = append(bundle, '\n')
	}
	return append(bundle, e.CACertsPEM...), nil
}

// DatumfetchCmd returns the root command.  Flags default to the values in env.
//
// When executed without a context, the command configures the global logger from --log-level
// and --log-format, and tags every log line with a fresh invocation ID.  Callers of
// ExecuteContext supply a context with their own logger.
func DatumfetchCmd(env *Env) *cobra.Command {
	var logFormat string
	root := &cobra.Command{
		Use:           "datumfetch",
		Short:         "Fetch a datum from the content store into a flat local directory.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Context() == nil || cmd.Context() == context.Background() {
				if err := log.InitLogger(env.LogLevel, logFormat); err != nil {
					return err
				}
				cmd.SetContext(pctx.Child(pctx.Background("datumfetch"), "", pctx.WithInvocationID()))
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&env.LogLevel, "log-level", env.LogLevel, "Log level: debug, info or error.")
	root.PersistentFlags().StringVar(&logFormat, "log-format", log.FormatAuto, "Log format: auto, json or console.")
	root.PersistentFlags().StringVar(&env.MetricsTextfile, "metrics-textfile", env.MetricsTextfile, "If set, write Prometheus metrics to this file when the command finishes.")
	root.PersistentFlags().BoolVar(&cmdutil.PrintErrorStacks, "stacks", false, "Print stack traces with errors.")

	root.AddCommand(fetchCmd(env))
	root.AddCommand(flattenCmd(env))
	root.AddCommand(listCmd(env))
	return root
}

// withMetrics runs f and then exports metrics, whether or not f succeeded.
func withMetrics(env *Env, f func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := f(cmd, args)
		if env.MetricsTextfile != "" {
			if merr := promutil.WriteTextfile(env.MetricsTextfile, nil); merr != nil {
				log.Error(cmd.Context(), "could not export metrics", zap.Error(merr))
				err = errors.Join(err, merr)
			}
		}
		return err
	}
}

func stagingFlags(flags *pflag.FlagSet, env *Env) {
	flags.StringVar(&env.StagingRoot, "root", env.StagingRoot, "The staging root the datum is materialized in.")
	flags.StringVar(&env.DatumID, "datum", env.DatumID, "The datum ID.")
}

func fetchCmd(env *Env) *cobra.Command {
	var (
		asJSON      bool
		trustBundle string
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a datum and flatten it into the staging root.",
		Long: "Fetch a datum's files from the content store into <root>/pfs/<datum>, retrying while the store is unavailable, " +
			"then move them directly under <root> and print the root's entries.",
		RunE: cmdutil.RunFixedArgs(0, withMetrics(env, func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			addr, err := env.StoreAddress()
			if err != nil {
				return err
			}
			if trustBundle != "" {
				env.CACerts = trustBundle
			}
			bundle, err := env.TrustBundle()
			if err != nil {
				return err
			}
			a, err := assembler.New(env.Assembler)
			if err != nil {
				return err
			}
			log.Info(ctx, "fetching datum", zap.String("store", addr.Qualified()))
			entries, err := a.Fetch(ctx, assembler.Connection{
				Host:        addr.Host,
				Port:        addr.Port,
				Token:       env.Token,
				TrustBundle: bundle,
				Secured:     addr.Secured,
			}, assembler.Request{
				Repo:          env.Repo,
				Branch:        env.Branch,
				StagingRoot:   env.StagingRoot,
				FilesetID:     env.FilesetID,
				DatumID:       env.DatumID,
				CacheLocation: env.CacheLocation,
			})
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries, asJSON)
		})),
	}
	flags := cmd.Flags()
	flags.StringVar(&env.Address, "address", env.Address, "Content store address, like grpcs://pachd:30650.")
	flags.StringVar(&trustBundle, "trust-bundle", "", "PEM file of certificates the store must present a chain to.")
	flags.StringVar(&env.Repo, "repo", env.Repo, "The repo the datum belongs to.")
	flags.StringVar(&env.Branch, "branch", env.Branch, "The branch the datum belongs to.")
	flags.StringVar(&env.FilesetID, "fileset", env.FilesetID, "The fileset ID.")
	flags.StringVar(&env.CacheLocation, "cache", env.CacheLocation, "Local directory to cache datums in.")
	flags.StringVar(&env.Assembler.SourcePathTemplate, "source-path-template", env.Assembler.SourcePathTemplate, "Template for the datum's directory in the fileset.")
	flags.IntVar(&env.Assembler.Retry.MaxAttempts, "max-attempts", env.Assembler.Retry.MaxAttempts, "Calls to make while the store is unavailable.")
	flags.DurationVar(&env.Assembler.Retry.BaseDelay, "base-delay", env.Assembler.Retry.BaseDelay, "Delay after the first failed call.")
	flags.DurationVar(&env.Assembler.Retry.MaxDelay, "max-delay", env.Assembler.Retry.MaxDelay, "Longest delay between calls.")
	flags.BoolVar(&asJSON, "json", false, "Print entries as JSON.")
	stagingFlags(flags, env)
	return cmd
}

func flattenCmd(env *Env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "flatten",
		Short: "Move a staged datum's entries directly under the staging root.",
		Long: "Move the entries of <root>/pfs/<datum> to <root>.  This completes a fetch that was interrupted after " +
			"its files were staged; running it again is harmless.",
		RunE: cmdutil.RunFixedArgs(0, withMetrics(env, func(cmd *cobra.Command, args []string) error {
			if env.StagingRoot == "" || env.DatumID == "" {
				return errors.New("--root and --datum are required")
			}
			if err := fsutil.Flatten(env.StagingRoot, env.DatumID); err != nil {
				return err
			}
			entries, err := fsutil.List(env.StagingRoot)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries, asJSON)
		})),
	}
	stagingFlags(cmd.Flags(), env)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON.")
	return cmd
}

func listCmd(env *Env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list [<root>]",
		Short: "List the entries of a staging root.",
		RunE: cmdutil.RunBoundedArgs(0, 1, withMetrics(env, func(cmd *cobra.Command, args []string) error {
			root := env.StagingRoot
			if len(args) == 1 {
				root = args[0]
			}
			if root == "" {
				return errors.New("a staging root is required")
			}
			start := time.Now()
			entries, err := fsutil.List(root)
			if err != nil {
				return err
			}
			log.Debug(cmd.Context(), "listed staging root", zap.Int("entries", len(entries)), zap.Duration("duration", time.Since(start)))
			return printEntries(cmd.OutOrStdout(), entries, asJSON)
		})),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON.")
	return cmd
}

func printEntries(w io.Writer, entries []fsutil.FileEntry, asJSON bool) error {
	if asJSON {
		if entries == nil {
			entries = []fsutil.FileEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.EnsureStack(enc.Encode(entries))
	}
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", e.Path, e.Name); err != nil {
			return errors.EnsureStack(err)
		}
	}
	return nil
}
