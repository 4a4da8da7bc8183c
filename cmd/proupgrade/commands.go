package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/proupgrade/internal/config"
	"github.com/and161185/proupgrade/internal/deeplink"
	"github.com/and161185/proupgrade/internal/errs"
	"github.com/and161185/proupgrade/internal/model"
	"github.com/and161185/proupgrade/internal/signin"
)

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           config.AppName,
		Short:         "Sign in through the browser and upgrade to Pro",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.apiURL, "api", "", "desktop API base URL (env PROUPGRADE_API_URL)")
	pf.StringVar(&opts.transport, "transport", "", "sign-in transport: loopback or deeplink (env PROUPGRADE_TRANSPORT)")
	pf.StringVar(&opts.dir, "dir", "", "config directory (env PROUPGRADE_DIR)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newSignInCmd(opts),
		newUpgradeCmd(opts),
		newSignOutCmd(opts),
		newStatusCmd(opts),
		newWatchCmd(opts),
		newOpenURLCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newSignInCmd(opts *options) *cobra.Command {
	var plan string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with the default browser",
		Long: `Opens the browser on the sign-in page and waits for it to hand the session back.
With --plan, checkout for that plan is opened right after signing in.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			c, release := a.coordinator()
			defer release()

			fmt.Fprintln(cmd.ErrOrStderr(), "Waiting for the browser sign-in... (Ctrl+C to cancel)")
			out, err := c.BeginSignIn(cmd.Context(), model.PlanType(plan))
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&plan, "plan", "", "open checkout for yearly or monthly after signing in")
	return cmd
}

func newUpgradeCmd(opts *options) *cobra.Command {
	var (
		plan  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Open Pro checkout, signing in first if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			c, release := a.coordinator()
			defer release()

			out, err := c.Upgrade(cmd.Context(), model.PlanType(plan))
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			if !watch || out.CheckoutErr != nil {
				return nil
			}
			return waitForUpgrade(cmd, a)
		},
	}
	cmd.Flags().StringVar(&plan, "plan", string(model.PlanYearly), "yearly or monthly")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep polling until the upgrade is confirmed")
	return cmd
}

func newSignOutCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Forget the local session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.newCoordinator().SignOut(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

type statusView struct {
	SignedIn    bool       `json:"signed_in"`
	UserID      string     `json:"user_id,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
	Expired     bool       `json:"expired,omitempty"`
	Upgraded    bool       `json:"upgraded"`
	Manual      bool       `json:"manual,omitempty"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
}

func newStatusCmd(opts *options) *cobra.Command {
	var (
		check  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local session and plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			if check {
				if _, err := a.poller(nil).CheckNow(cmd.Context()); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "plan check failed: %v\n", err)
				}
			}
			sess, err := a.store.Get()
			if err != nil {
				return err
			}
			v := buildStatus(sess, time.Now())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			}
			printStatus(cmd.OutOrStdout(), v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "ask the API for the current plan first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll the plan until the upgrade is confirmed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()
			return waitForUpgrade(cmd, a)
		},
	}
}

func newOpenURLCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "open-url URL...",
		Short: "Hand custom-scheme URLs to the running sign-in",
		Long: `Registered as the handler of the app's URL scheme. Forwards the URLs to
the instance waiting for a sign-in.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			if err := deeplink.Forward(cmd.Context(), a.cfg.Dir, args); err != nil {
				if errors.Is(err, errs.ErrNoRelay) {
					return fmt.Errorf("no sign-in is waiting for this link: %w", err)
				}
				return err
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", config.AppName, version, buildDate)
		},
	}
}

func waitForUpgrade(cmd *cobra.Command, a *app) error {
	sess, err := a.store.Get()
	if err != nil {
		return err
	}
	if sess == nil {
		return errors.New("not signed in")
	}
	if sess.Plan.Upgraded {
		fmt.Fprintln(cmd.OutOrStdout(), "already on Pro")
		return nil
	}

	upgraded := make(chan model.Session, 1)
	p := a.poller(func(s model.Session) {
		select {
		case upgraded <- s:
		default:
		}
	})
	if err := p.Start(cmd.Context()); err != nil {
		return err
	}
	defer func() {
		p.Stop()
		p.Wait()
	}()

	fmt.Fprintln(cmd.ErrOrStderr(), "Waiting for the upgrade to complete... (Ctrl+C to stop)")
	select {
	case s := <-upgraded:
		fmt.Fprintf(cmd.OutOrStdout(), "upgrade confirmed for %s\n", s.UserID)
		return nil
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}

func printOutcome(w io.Writer, out *signin.Outcome) {
	fmt.Fprintf(w, "signed in as %s\n", out.Session.UserID)
	switch {
	case out.CheckoutURL != "":
		fmt.Fprintf(w, "checkout opened: %s\n", out.CheckoutURL)
	case out.CheckoutErr != nil:
		fmt.Fprintf(w, "checkout unavailable: %v\n", out.CheckoutErr)
	}
}

func buildStatus(s *model.Session, now time.Time) statusView {
	if s == nil {
		return statusView{}
	}
	v := statusView{
		SignedIn: true,
		UserID:   s.UserID,
		Expired:  s.Expired(now),
		Upgraded: s.Plan.Upgraded,
		Manual:   s.Plan.Manual,
	}
	exp := time.Unix(s.ExpiresAt, 0)
	v.ExpiresAt = &exp
	if t, ok := tokenExpiry(s.Token); ok {
		v.TokenExpiry = &t
	}
	if s.Plan.LastCheckedAt > 0 {
		lc := time.Unix(s.Plan.LastCheckedAt, 0)
		v.LastChecked = &lc
	}
	return v
}

func printStatus(w io.Writer, v statusView) {
	if !v.SignedIn {
		fmt.Fprintln(w, "Not signed in.")
		fmt.Fprintf(w, "Use '%s signin' to authenticate.\n", config.AppName)
		return
	}
	plan := "free"
	if v.Upgraded {
		plan = "pro"
	}
	fmt.Fprintf(w, "User ID:  %s\n", v.UserID)
	fmt.Fprintf(w, "Plan:     %s\n", plan)
	fmt.Fprintf(w, "Expires:  %s", v.ExpiresAt.Format(time.RFC3339))
	if v.Expired {
		fmt.Fprint(w, " (expired)")
	}
	fmt.Fprintln(w)
	if v.LastChecked != nil {
		fmt.Fprintf(w, "Checked:  %s\n", v.LastChecked.Format(time.RFC3339))
	}
}

// tokenExpiry reads exp from a JWT without verifying it. Opaque tokens report false.
func tokenExpiry(tok string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
