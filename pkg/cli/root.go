package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"duck-coordinator/pkg/client"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]interface{}{
				"error": err.Error(),
			}
			var apiErr *client.APIError
			if errors.As(err, &apiErr) {
				errObj["http_status"] = apiErr.HTTPStatus
				errObj["code"] = apiErr.Code
			}
			_ = PrintJSON(os.Stdout, errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		host    string
		prefix  string
		decode  bool
		output  string
		profile string
		quiet   bool
	)

	c := client.NewClient(host)

	rootCmd := &cobra.Command{
		Use:           "duckq",
		Short:         "DuckDB statement gateway CLI",
		Long:          "Command-line interface for submitting and managing statements on a DuckDB statement gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadUserConfig()
			if err != nil {
				// Config file is optional
				cfg = defaultUserConfig()
			}
			p, err := cfg.ActiveProfile(profile)
			if err != nil {
				return err
			}

			// Apply precedence: flag > env > profile > default
			flags := cmd.Flags()
			if !flags.Changed("host") {
				if v := os.Getenv("DUCKQ_HOST"); v != "" {
					host = v
				} else if p.Host != "" {
					host = p.Host
				}
			}
			if !flags.Changed("prefix-url") {
				if v := os.Getenv("DUCKQ_PREFIX_URL"); v != "" {
					prefix = v
				} else if p.PrefixURL != "" {
					prefix = p.PrefixURL
				}
			}
			if !flags.Changed("output") {
				switch {
				case os.Getenv("DUCKQ_OUTPUT") != "":
					output = os.Getenv("DUCKQ_OUTPUT")
				case p.Output != "":
					output = p.Output
				default:
					output = defaultOutputFormat(os.Stdout)
				}
			}

			if err := validateOutputFormat(output); err != nil {
				return err
			}
			if err := validateHostURL(host); err != nil {
				return err
			}

			c.BaseURL = strings.TrimRight(strings.TrimSpace(host), "/")
			c.PrefixURL = prefix
			c.DecodePrefixed = decode
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "Gateway URL")
	rootCmd.PersistentFlags().StringVar(&prefix, "prefix-url", "", "Ask the gateway to rewrite returned URIs behind this prefix")
	rootCmd.PersistentFlags().BoolVar(&decode, "decode-prefixed", false, "Strip --prefix-url from returned URIs and call the gateway directly")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Output format (table, json); defaults to table on a terminal")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "Config profile to use")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only output query identifiers")

	rootCmd.AddCommand(newRunCmd(c))
	rootCmd.AddCommand(newQueriesCmd(c))
	rootCmd.AddCommand(newCancelCmd(c))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

func isQuiet(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("quiet")
	return v
}

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}
