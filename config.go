package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind           string
	port           int
	prefix         string
	profile        bool
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool

	questionTimer  time.Duration
	revealDelay    time.Duration
	questionCount  int
	difficulty     string
	generatorURL   string
	generatorKey   string
	generatorModel string

	playerServer  string
	playerSession string
	playerName    string
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.questionCount < 1 {
		return fmt.Errorf("invalid question count (must be at least 1): %d", c.questionCount)
	}
	if c.questionTimer < 0 {
		return fmt.Errorf("invalid question timer (must not be negative): %s", c.questionTimer)
	}
	if c.revealDelay < time.Second {
		return fmt.Errorf("invalid reveal delay (must be at least 1s): %s", c.revealDelay)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TRIVIABOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "triviabox",
		Short:         "A real-time trivia quiz: one host screen, players joining by QR code.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: TRIVIABOX_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: TRIVIABOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: TRIVIABOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: TRIVIABOX_PROFILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle game sessions are ended (env: TRIVIABOX_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: TRIVIABOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: TRIVIABOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: TRIVIABOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: TRIVIABOX_VERSION)")

	fs.DurationVar(&cfg.questionTimer, "question-timer", 20*time.Second, "per-question countdown, 0 to disable (env: TRIVIABOX_QUESTION_TIMER)")
	fs.DurationVar(&cfg.revealDelay, "reveal-delay", 5*time.Second, "pause on the answer reveal before auto-advancing (env: TRIVIABOX_REVEAL_DELAY)")
	fs.IntVar(&cfg.questionCount, "question-count", 10, "questions requested per generated batch (env: TRIVIABOX_QUESTION_COUNT)")
	fs.StringVar(&cfg.difficulty, "difficulty", "", "difficulty tag passed to the question generator (env: TRIVIABOX_DIFFICULTY)")
	fs.StringVar(&cfg.generatorURL, "generator-url", "https://api.openai.com/v1", "base URL of the question generation API (env: TRIVIABOX_GENERATOR_URL)")
	fs.StringVar(&cfg.generatorKey, "generator-key", "", "API credential for question generation; fallback questions are used when unset (env: TRIVIABOX_GENERATOR_KEY)")
	fs.StringVar(&cfg.generatorModel, "generator-model", "gpt-4o-mini", "model used for question generation (env: TRIVIABOX_GENERATOR_MODEL)")

	bindFlags(v, fs)

	playCmd := &cobra.Command{
		Use:           "play",
		Short:         "Join a running session from the terminal as a player.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlayer(cfg)
		},
	}

	pfs := playCmd.Flags()
	pfs.StringVar(&cfg.playerServer, "server", "http://localhost:8080", "base URL of the triviabox server (env: TRIVIABOX_SERVER)")
	pfs.StringVar(&cfg.playerSession, "session", "", "session ID to join (env: TRIVIABOX_SESSION)")
	pfs.StringVar(&cfg.playerName, "name", "", "display name to join with (env: TRIVIABOX_NAME)")
	bindFlags(v, pfs)

	cmd.AddCommand(playCmd)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("triviabox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
