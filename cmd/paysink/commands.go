package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/paysink/internal/config"
	"github.com/mattjoyce/paysink/internal/doctor"
	"github.com/mattjoyce/paysink/internal/endpoint"
	"github.com/mattjoyce/paysink/internal/eventstore"
	"github.com/mattjoyce/paysink/internal/inspect"
	"github.com/mattjoyce/paysink/internal/log"
	"github.com/mattjoyce/paysink/internal/queue"
	"github.com/mattjoyce/paysink/internal/signature"
	"github.com/mattjoyce/paysink/internal/storage"
	"github.com/mattjoyce/paysink/internal/vault"
)

func newConfigCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			printConfigSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "lock",
		Short: "Validate the configuration and pin its checksum",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Load also reads the sibling .env; a stale checksum is what lock repairs.
			if _, err := load(); err != nil && !errors.Is(err, config.ErrChecksumMismatch) {
				return err
			}
			path, err := resolveConfigFile(configFileOf(cmd))
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if _, err := config.Parse(data); err != nil {
				return err
			}
			sum, err := config.WriteChecksum(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", config.ChecksumPath(path), sum)
			return nil
		},
	})
	cmd.AddCommand(newDoctorCmd(load))
	return cmd
}

var errDoctorFailed = errors.New("configuration has errors")

func newDoctorCmd(load configLoader) *cobra.Command {
	var asJSON, offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Audit configuration and registered secrets for risky settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			report := func(secrets doctor.SecretLister) error {
				res := doctor.New(cfg, secrets).Validate(cmd.Context())
				if asJSON {
					out, err := doctor.FormatJSON(res)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), out)
				} else {
					fmt.Fprint(cmd.OutOrStdout(), doctor.FormatHuman(res))
				}
				if !res.Valid {
					return errDoctorFailed
				}
				return nil
			}

			// Opening the vault would create a fresh database.
			if _, statErr := os.Stat(cfg.State.Path); offline || statErr != nil {
				return report(nil)
			}
			return withVault(cmd, load, func(v *vault.Vault) error { return report(v) })
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the vault and audit the config file only")
	return cmd
}

func configFileOf(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func resolveConfigFile(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		abs = filepath.Join(abs, "config.yaml")
	}
	return abs, nil
}

// printConfigSummary never prints the encryption key, Redis password or API tokens.
func printConfigSummary(w io.Writer, cfg *config.Config) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "config\t%s\n", cfg.SourceFile)
	fmt.Fprintf(tw, "checksum\t%s\n", cfg.Checksum)
	fmt.Fprintf(tw, "environment\t%s\n", cfg.Service.Environment)
	fmt.Fprintf(tw, "state\t%s\n", cfg.State.Path)
	fmt.Fprintf(tw, "webhooks\t%s (max body %s)\n", cfg.Webhooks.Listen, cfg.Webhooks.MaxBodySize)
	fmt.Fprintf(tw, "unsigned\t%t\n", cfg.Signature.AllowUnsigned)
	if cfg.RateLimit.Enabled {
		fmt.Fprintf(tw, "ratelimit\t%s, %d per %s\n", cfg.RateLimit.Backend, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	} else {
		fmt.Fprintf(tw, "ratelimit\tdisabled\n")
	}
	fmt.Fprintf(tw, "workers\t%d (lease %s)\n", cfg.Processor.Workers, cfg.Processor.Lease)
	if cfg.API.Enabled {
		fmt.Fprintf(tw, "api\t%s (%d tokens, decrypt %t)\n", cfg.API.Listen, len(cfg.API.Auth.Tokens), cfg.API.AllowDecrypt)
	} else {
		fmt.Fprintf(tw, "api\tdisabled\n")
	}
	_ = tw.Flush()
	fmt.Fprintln(w, "config OK")
}

func newSecretCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage per-endpoint webhook secrets",
	}

	var (
		name        string
		description string
		secretEnv   string
	)
	register := &cobra.Command{
		Use:   "register <endpoint>",
		Short: "Register the signing secret for an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin(), secretEnv)
			if err != nil {
				return err
			}
			return withVault(cmd, load, func(v *vault.Vault) error {
				rec, err := v.Register(cmd.Context(), vault.RegisterRequest{
					Endpoint:    endpoint.Name(args[0]),
					Name:        name,
					Secret:      secret,
					Description: description,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s (version %d)\n", rec.Endpoint, rec.Version)
				return nil
			})
		},
	}
	register.Flags().StringVar(&name, "name", "primary", "display name for the secret")
	register.Flags().StringVar(&description, "description", "", "free-form description")
	register.Flags().StringVar(&secretEnv, "secret-env", "", "read the secret from this environment variable instead of stdin")

	rotate := &cobra.Command{
		Use:   "rotate <endpoint>",
		Short: "Replace an endpoint's secret and bump its version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := endpoint.Parse(args[0])
			if err != nil {
				return err
			}
			secret, err := readSecret(cmd.InOrStdin(), secretEnv)
			if err != nil {
				return err
			}
			return withVault(cmd, load, func(v *vault.Vault) error {
				rec, err := v.Rotate(cmd.Context(), ep, secret)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rotated %s (version %d)\n", rec.Endpoint, rec.Version)
				return nil
			})
		},
	}
	rotate.Flags().StringVar(&secretEnv, "secret-env", "", "read the secret from this environment variable instead of stdin")

	deactivate := &cobra.Command{
		Use:   "deactivate <endpoint>",
		Short: "Disable an endpoint's secret; its webhooks are rejected afterwards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := endpoint.Parse(args[0])
			if err != nil {
				return err
			}
			return withVault(cmd, load, func(v *vault.Vault) error {
				if err := v.Deactivate(cmd.Context(), ep); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s\n", ep)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List secret metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(cmd, load, func(v *vault.Vault) error {
				records, err := v.List(cmd.Context())
				if err != nil {
					return err
				}
				printSecrets(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}

	sign := &cobra.Command{
		Use:   "sign <endpoint>",
		Short: "Sign a payload read from stdin with the endpoint's current secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := endpoint.Parse(args[0])
			if err != nil {
				return err
			}
			body, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 10<<20))
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			return withVault(cmd, load, func(v *vault.Vault) error {
				key, rec, err := v.Reveal(cmd.Context(), ep)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "version\t%d\n", rec.Version)
				fmt.Fprintf(out, "hex\t%s\n", signature.Sign(body, key))
				fmt.Fprintf(out, "base64\t%s\n", signature.SignBase64(body, key))
				return nil
			})
		},
	}

	cmd.AddCommand(register, rotate, deactivate, list, sign)
	return cmd
}

func printSecrets(w io.Writer, records []*vault.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tNAME\tVERSION\tACTIVE\tUSES\tLAST USED\tUPDATED")
	for _, r := range records {
		lastUsed := "-"
		if r.LastUsedAt != nil {
			lastUsed = r.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%d\t%s\t%s\n",
			r.Endpoint, r.Name, r.Version, r.Active, r.UsageCount, lastUsed, r.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

// readSecret prefers the named environment variable and falls back to the
// first line of stdin, so secrets stay out of argv and shell history.
func readSecret(stdin io.Reader, envName string) (string, error) {
	if envName != "" {
		if v := os.Getenv(envName); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("environment variable %s is not set", envName)
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errNoSecret
	}
	return line, nil
}

func withVault(cmd *cobra.Command, load configLoader, fn func(*vault.Vault) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger := log.New(cmd.ErrOrStderr(), "warn", cfg.Service.LogFormat)
	db, v, err := openVault(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(v)
}

func newEventCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Inspect processed webhook events",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print one event as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			ev, err := eventstore.New(db).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ev)
		},
	})

	var (
		epFilter string
		outcome  string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := eventstore.Filter{Outcome: eventstore.Outcome(outcome), Limit: limit}
			if epFilter != "" {
				ep, err := endpoint.Parse(epFilter)
				if err != nil {
					return err
				}
				f.Endpoint = ep
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			evs, err := eventstore.New(db).List(cmd.Context(), f)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENDPOINT\tTYPE\tOUTCOME\tKEY\tRECEIVED")
			for _, ev := range evs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.ID, ev.Endpoint, ev.EventType, ev.Outcome, ev.IdempotencyKey, ev.ReceivedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&epFilter, "endpoint", "", "only events for this endpoint")
	list.Flags().StringVar(&outcome, "outcome", "", "success or failed")
	list.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.AddCommand(list)
	return cmd
}

func newJobCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect ingestion jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			job, err := queue.New(db).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	})

	var asJSON, withPayload bool
	inspectCmd := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Show a job with its attempt history and stored events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			build := inspect.BuildReport
			if asJSON {
				build = inspect.BuildJSONReport
			}
			out, err := build(cmd.Context(), queue.New(db), eventstore.New(db), args[0], inspect.Options{IncludePayload: withPayload})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(out, "\n"))
			return nil
		},
	}
	inspectCmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	inspectCmd.Flags().BoolVar(&withPayload, "payload", false, "include the raw webhook body")
	cmd.AddCommand(inspectCmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
