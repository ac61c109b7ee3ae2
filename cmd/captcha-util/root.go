package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/keyforum/captcha"
	libcaptcha "github.com/keyforum/captcha/lib"
	"github.com/keyforum/captcha/lib/challenge"
	"github.com/keyforum/captcha/lib/config"
	"github.com/keyforum/captcha/lib/lifecycle"
	"github.com/keyforum/captcha/lib/store"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

var ErrNotConfirmed = errors.New("refusing to clear the store without --yes")

// env holds what every subcommand needs. It is filled in by the root
// command's PersistentPreRunE.
type env struct {
	cfgFile string
	cfg     *config.Config
	store   store.Interface
	svc     *lifecycle.Service
}

func (e *env) load() error {
	cfg, err := libcaptcha.LoadConfigOrDefault(e.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	e.cfg = cfg

	return nil
}

func (e *env) open(ctx context.Context) error {
	st, err := e.cfg.Store.Open(ctx)
	if err != nil {
		return err
	}
	e.store = st

	svc, err := lifecycle.New(lifecycle.Options{
		Store:         st,
		Config:        e.cfg.Render,
		Expiry:        e.cfg.Expiry,
		SweepInterval: e.cfg.SweepInterval,
	})
	if err != nil {
		return err
	}
	e.svc = svc

	return nil
}

func (e *env) close() {
	if c, ok := e.store.(io.Closer); ok {
		c.Close()
	}
}

func newRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:   "captcha-util",
		Short: "Inspect and maintain the captcha challenge store.",
		Long: `captcha-util reads the same config file as captchad and works directly
on the configured challenge store. Run it next to the service or against a
shared backend such as valkey.`,
		Version:       captcha.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.load()
		},
	}

	root.PersistentFlags().StringVar(&e.cfgFile, "config", os.Getenv("CONFIG"), "config file (defaults to the built-in config)")

	withStore := func(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if err := e.open(cmd.Context()); err != nil {
				return err
			}
			defer e.close()

			return run(cmd, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show store statistics and timing settings",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, _ []string) error {
				st, err := e.svc.Stats(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Backend:           %s\n", e.cfg.Store.Backend)
				fmt.Fprintf(out, "Live challenges:   %d\n", st.TotalLive)
				fmt.Fprintf(out, "Expiry:            %d minutes\n", st.ExpiryMinutes)
				fmt.Fprintf(out, "Cleanup interval:  %d minutes\n", st.SweepIntervalMinutes)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "clean",
			Short: "Remove expired challenges",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, _ []string) error {
				n, err := e.svc.ReclaimExpired(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired challenge(s)\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List challenges with their age and status, newest first",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, _ []string) error {
				lister, ok := e.store.(store.Lister)
				if !ok {
					return fmt.Errorf("the %s backend can't list records", e.cfg.Store.Backend)
				}

				recs, err := lister.List(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(recs) == 0 {
					fmt.Fprintln(out, "No challenges found")
					return nil
				}

				now := time.Now()
				for _, rec := range recs {
					status := "VALID"
					if challenge.Expired(rec.IssuedAt, now, e.cfg.Expiry) {
						status = "EXPIRED"
					}

					fmt.Fprintf(out, "%-7s  %s...  %s\n", status, shortToken(rec.Token), now.Sub(rec.IssuedAt).Truncate(time.Second))
				}

				return nil
			}),
		},
		newClearCmd(e, withStore),
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				out, err := yaml.Marshal(struct {
					Captcha config.Captcha `json:"captcha"`
					Store   config.Store   `json:"store"`
				}{
					Captcha: e.cfg.Source,
					Store:   e.cfg.Store,
				})
				if err != nil {
					return fmt.Errorf("can't encode config: %w", err)
				}

				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
		newPreviewCmd(e),
	)

	return root
}

func newClearCmd(e *env, withStore func(func(*cobra.Command, []string) error) func(*cobra.Command, []string) error) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove ALL challenges, live ones included",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return ErrNotConfirmed
			}

			n, err := store.Clear(cmd.Context(), e.store)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cleared all challenges (%d removed)\n", n)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm that every challenge should be removed")

	return cmd
}

func newPreviewCmd(e *env) *cobra.Command {
	var (
		output string
		text   string
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render a sample challenge image with the configured settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := challenge.NewRenderer(e.cfg.Render)
			if err != nil {
				return err
			}

			if text == "" {
				text = challenge.GenerateText(e.cfg.Render.Characters)
			}

			img, err := r.Render(strings.ToUpper(text))
			if err != nil {
				return err
			}

			if err := os.WriteFile(output, img, 0644); err != nil {
				return fmt.Errorf("can't write preview: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (text %s)\n", output, strings.ToUpper(text))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "captcha-preview.png", "file to write the PNG to")
	cmd.Flags().StringVar(&text, "text", "", "text to render (defaults to random challenge text)")

	return cmd
}

func shortToken(token string) string {
	if len(token) > 16 {
		return token[:16]
	}
	return token
}
