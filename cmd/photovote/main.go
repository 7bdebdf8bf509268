package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"photovote/internal/app"
	"photovote/internal/config"
	"photovote/internal/photovote"
)

func main() {
	// A missing .env is fine; the config file and environment still apply.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Vote", "Watch").
func newApp(ctx context.Context, cmd *cobra.Command, operation, parameters string) (*app.App, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("resolving default paths: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg.ApplyEnv()
	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		cfg.Backend.Type = "memory"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	var stderr io.Writer
	if verbose {
		stderr = os.Stderr
	}

	a, err := app.New(ctx, cfg, operation, parameters, app.Options{
		Navigator: &cliNavigator{w: os.Stdout},
		Stderr:    stderr,
		Verbose:   verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// run creates the app, loads the catalog and runs fn, recording fn's outcome
// as the operation result.
func run(cmd *cobra.Command, operation, parameters string, fn func(ctx context.Context, a *app.App) error) error {
	return runApp(cmd, operation, parameters, true, fn)
}

// runAuth is run for commands that only need the session.
func runAuth(cmd *cobra.Command, operation, parameters string, fn func(ctx context.Context, a *app.App) error) error {
	return runApp(cmd, operation, parameters, false, fn)
}

func runApp(cmd *cobra.Command, operation, parameters string, load bool, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd, operation, parameters)
	if err != nil {
		return err
	}
	defer a.Close()

	if load {
		err = a.Load(ctx)
	} else {
		err = a.Start(ctx)
	}
	if err == nil {
		err = fn(ctx, a)
	}
	a.Finish(err)
	return err
}

// cliNavigator turns route changes into instructions for the user.
type cliNavigator struct {
	w io.Writer
}

func (n *cliNavigator) Navigate(route string) {
	u, err := url.Parse(route)
	if err != nil {
		fmt.Fprintf(n.w, "Go to %s\n", route)
		return
	}
	cmd := "login"
	if u.Query().Get("isSignUp") == "true" {
		cmd = "signup"
	}
	if from := u.Query().Get("from"); from != "" {
		fmt.Fprintf(n.w, "Sign in to vote: photovote %s --from %s\n", cmd, from)
		return
	}
	fmt.Fprintf(n.w, "Sign in required: photovote %s\n", cmd)
}

func printPhoto(p photovote.Photo) {
	mark := " "
	if p.UserVoted {
		mark = "*"
	}
	fmt.Printf("%s %-4s %-24s %-22s %5d\n", mark, p.ID, p.Title, p.Photographer, p.Votes)
}

func printPhotos(photos []photovote.Photo) {
	if len(photos) == 0 {
		fmt.Println("No photos.")
		return
	}
	for _, p := range photos {
		printPhoto(p)
	}
}

var stdin = bufio.NewReader(os.Stdin)

func prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt("")
	}
	fmt.Print("Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func credentials(cmd *cobra.Command) (string, string, error) {
	email, _ := cmd.Flags().GetString("email")
	if email == "" {
		var err error
		if email, err = prompt("Email: "); err != nil {
			return "", "", err
		}
	}
	password, err := readPassword()
	if err != nil {
		return "", "", err
	}
	if email == "" || password == "" {
		return "", "", errors.New("email and password are required")
	}
	return email, password, nil
}

// resume continues the vote that required signing in.
func resume(ctx context.Context, cmd *cobra.Command, a *app.App) error {
	from, _ := cmd.Flags().GetString("from")
	if from == "" {
		return nil
	}
	id, err := a.Resume(ctx, from)
	if err != nil {
		return err
	}
	if id != "" {
		p, _ := a.Photo(id)
		fmt.Printf("Voted for %q\n", p.Title)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:          "photovote",
	Short:        "Vote for photos",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve default paths: %w", err)
		}

		cfg := config.NewConfig(paths.BaseDir)
		cfg.ApplyEnv()

		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		if cfg.Backend.URL == "" {
			fmt.Printf("Set backend.url and backend.anon_key, or %s and %s\n", config.EnvBackendURL, config.EnvAnonKey)
		}
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve default paths: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg.ApplyEnv()

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Backend:   %s %s\n", cfg.Backend.Type, cfg.Backend.URL)
		fmt.Printf("Realtime:  %s\n", cfg.Realtime.Type)
		fmt.Printf("Feed:      %s\n", cfg.Feed.Type)
		fmt.Printf("Session:   %s\n", cfg.Session.Type)
		fmt.Printf("Journal:   %s\n", cfg.Journal.Type)
		fmt.Printf("Votes:     %d free, %d subscriber\n", cfg.Votes.FreeLimit, cfg.Votes.SubscriberLimit)
		fmt.Printf("Products:  %d\n", len(cfg.Checkout.Products))
		return nil
	},
}

// photos command
var photosCmd = &cobra.Command{
	Use:   "photos",
	Short: "List photos",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "Photos", "", func(ctx context.Context, a *app.App) error {
			printPhotos(a.Photos())
			return nil
		})
	},
}

var photoCmd = &cobra.Command{
	Use:   "photo ID",
	Short: "Show a photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "Photo", args[0], func(ctx context.Context, a *app.App) error {
			p, ok := a.Photo(args[0])
			if !ok {
				return fmt.Errorf("photo %s not found", args[0])
			}
			fmt.Printf("%s by %s\n", p.Title, p.Photographer)
			fmt.Printf("Votes:  %d\n", p.Votes)
			fmt.Printf("Voted:  %t\n", p.UserVoted)
			fmt.Printf("Added:  %s\n", p.DateAdded.Format("2006-01-02"))
			fmt.Printf("URL:    %s\n", p.URL)
			if p.Description != "" {
				fmt.Printf("\n%s\n", p.Description)
			}
			return nil
		})
	},
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "List photos by votes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "Leaderboard", "", func(ctx context.Context, a *app.App) error {
			printPhotos(a.Leaderboard())
			return nil
		})
	},
}

// vote command
var voteCmd = &cobra.Command{
	Use:   "vote ID",
	Short: "Toggle your vote on a photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "Vote", args[0], func(ctx context.Context, a *app.App) error {
			err := a.Vote(ctx, args[0])
			if errors.Is(err, photovote.ErrAuthRequired) {
				return nil
			}
			if err != nil {
				return errors.New(photovote.Message(err))
			}
			p, _ := a.Photo(args[0])
			if p.UserVoted {
				fmt.Printf("Voted for %q (%d votes)\n", p.Title, p.Votes)
			} else {
				fmt.Printf("Removed vote from %q (%d votes)\n", p.Title, p.Votes)
			}
			return nil
		})
	},
}

// auth commands
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, password, err := credentials(cmd)
		if err != nil {
			return err
		}
		return runAuth(cmd, "SignIn", email, func(ctx context.Context, a *app.App) error {
			if err := a.SignIn(ctx, email, password); err != nil {
				return errors.New(photovote.Message(err))
			}
			fmt.Printf("Signed in as %s\n", email)
			return resume(ctx, cmd, a)
		})
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		email, password, err := credentials(cmd)
		if err != nil {
			return err
		}
		return runAuth(cmd, "SignUp", email, func(ctx context.Context, a *app.App) error {
			err := a.SignUp(ctx, email, password)
			if wait && errors.Is(err, photovote.ErrCooldownActive) {
				for rem := range a.WatchCooldown(ctx) {
					fmt.Printf("\rPlease wait %d seconds before trying again ", rem)
				}
				fmt.Println()
				err = a.SignUp(ctx, email, password)
			}
			if err != nil {
				return errors.New(photovote.Message(err))
			}
			if !a.JustSignedUp() {
				fmt.Println("Sign-up submitted. Confirm your email, then run: photovote login")
				return nil
			}
			fmt.Printf("Account created. Signed in as %s\n", email)
			return resume(ctx, cmd, a)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuth(cmd, "SignOut", "", func(ctx context.Context, a *app.App) error {
			if err := a.SignOut(ctx); err != nil {
				return errors.New(photovote.Message(err))
			}
			fmt.Println("Signed out.")
			return nil
		})
	},
}

// profile command
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show your account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "Profile", "", func(ctx context.Context, a *app.App) error {
			p, err := a.Profile(ctx)
			if err != nil {
				return err
			}
			if p == nil {
				fmt.Println("Not signed in. Run: photovote login")
				return nil
			}
			fmt.Printf("Email:         %s\n", p.Email)
			fmt.Printf("Subscription:  %s\n", p.Status)
			fmt.Printf("Votes:         %d\n", p.VoteCount)
			for _, photo := range p.Voted {
				printPhoto(photo)
			}
			return nil
		})
	},
}

// subscription commands
var subscriptionCmd = &cobra.Command{
	Use:   "subscription",
	Short: "Show your subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, "Subscription", "", func(ctx context.Context, a *app.App) error {
			rec, err := a.Subscription(ctx)
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Println("No subscription.")
				return nil
			}
			fmt.Printf("Status:  %s\n", rec.Status)
			if rec.CurrentPeriodEnd != nil {
				verb := "Renews"
				if rec.CancelAtPeriodEnd {
					verb = "Ends"
				}
				fmt.Printf("%s:  %s\n", verb, rec.CurrentPeriodEnd.Format("2006-01-02"))
			}
			return nil
		})
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe [PRODUCT]",
	Short: "Start a checkout for a product",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) > 0 {
			key = args[0]
		}
		return run(cmd, "Checkout", key, func(ctx context.Context, a *app.App) error {
			if key == "" {
				for _, p := range a.Products() {
					fmt.Printf("%-12s %-16s %s\n", p.Key, p.Name, p.Description)
				}
				return nil
			}
			u, err := a.Checkout(ctx, key)
			if err != nil {
				return errors.New(photovote.Message(err))
			}
			fmt.Printf("Complete your purchase at:\n%s\n", u)
			return nil
		})
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View vote history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		summary, _ := cmd.Flags().GetBool("summary")
		backup, _ := cmd.Flags().GetString("backup")

		a, err := newApp(cmd.Context(), cmd, "History", backup)
		if err != nil {
			return err
		}
		defer a.Close()

		if backup != "" {
			err := a.BackupHistory(backup)
			a.Finish(err)
			if err != nil {
				return err
			}
			fmt.Printf("Vote history written to %s\n", backup)
			return nil
		}

		if summary {
			counts, err := a.HistorySummary()
			if err != nil {
				return err
			}
			for _, state := range []photovote.VoteState{photovote.VotePending, photovote.VoteCommitted, photovote.VoteRolledBack} {
				fmt.Printf("%-11s  %d\n", state, counts[state])
			}
			return nil
		}

		ops, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No votes recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if !op.FinishedAt.IsZero() {
				d := op.FinishedAt.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  photo %-4s  %-6s  %-11s  %-8s  %s\n",
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.PhotoID,
				op.Action,
				op.State,
				duration,
				op.Error,
			)
		}
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the leaderboard live",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		a, err := newApp(ctx, cmd, "Watch", "")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Start(ctx); err != nil {
			a.Finish(err)
			return err
		}
		err = a.Watch(ctx, func([]photovote.Photo) {
			fmt.Printf("\n%s\n", time.Now().Format("15:04:05"))
			printPhotos(a.Leaderboard())
		})
		switch {
		case errors.Is(err, context.Canceled):
			err = nil
		case errors.Is(err, photovote.ErrChangeFeedClosed):
			err = fmt.Errorf("%w; run watch again to reconnect", err)
		}
		a.Finish(err)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("offline", false, "Use the built-in demo backend")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// auth flags
	for _, c := range []*cobra.Command{loginCmd, signupCmd} {
		c.Flags().StringP("email", "e", "", "Account email")
		c.Flags().String("from", "", "Route to continue after signing in (e.g. /photo/3)")
	}
	signupCmd.Flags().Bool("wait", false, "Wait out a rate-limit cooldown and retry")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(photosCmd)
	rootCmd.AddCommand(photoCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(voteCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(signupCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(subscriptionCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	historyCmd.Flags().Bool("summary", false, "Show operation counts by state")
	historyCmd.Flags().String("backup", "", "Copy the vote journal to this file")
	rootCmd.AddCommand(watchCmd)
}
