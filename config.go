package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Seednode/kanaparty/games"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	allowLateJoin     bool
	bind              string
	countdown         time.Duration
	dedupeCompletions bool
	joinURL           string
	maxPlayers        int
	messageBurst      int
	messageRate       float64
	port              int
	prefix            string
	profile           bool
	recap             time.Duration
	roomTimeout       time.Duration
	timePerQuestion   time.Duration
	tlsCert           string
	tlsKey            string
	totalQuestions    int
	verbose           bool
	version           bool

	log zerolog.Logger
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxPlayers < 1 {
		return fmt.Errorf("invalid max players (must be at least 1): %d", c.maxPlayers)
	}
	if c.totalQuestions < 1 {
		return fmt.Errorf("invalid total questions (must be at least 1): %d", c.totalQuestions)
	}
	if c.countdown < 0 || c.recap < 0 || c.roomTimeout < 0 {
		return errors.New("--countdown, --recap and --room-timeout must not be negative")
	}
	if c.messageRate < 0 {
		return fmt.Errorf("invalid message rate (must not be negative): %v", c.messageRate)
	}
	if c.messageRate > 0 && c.messageBurst < 1 {
		return fmt.Errorf("invalid message burst (must be at least 1): %d", c.messageBurst)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) gameOptions() games.Options {
	opts := games.DefaultOptions()
	opts.MaxPlayers = c.maxPlayers
	opts.TotalQuestions = c.totalQuestions
	opts.TimePerQuestion = c.timePerQuestion
	opts.CountdownDuration = c.countdown
	opts.RecapDuration = c.recap
	opts.RoomTimeout = c.roomTimeout
	opts.AllowLateJoin = c.allowLateJoin
	opts.DedupeCompletions = c.dedupeCompletions
	opts.Logger = c.log
	return opts
}

func (c *Config) routerOptions() games.RouterOptions {
	return games.RouterOptions{
		MessageRate:  c.messageRate,
		MessageBurst: c.messageBurst,
	}
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("KANAPARTY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "kanaparty",
		Short:         "A real-time multiplayer quiz server with synchronized, host-driven rounds.",
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

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.BoolVar(&cfg.allowLateJoin, "allow-late-join", true, "allow new players to join while a game is running (env: KANAPARTY_ALLOW_LATE_JOIN)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: KANAPARTY_BIND)")
	fs.DurationVar(&cfg.countdown, "countdown", 3*time.Second, "countdown before each question (env: KANAPARTY_COUNTDOWN)")
	fs.BoolVar(&cfg.dedupeCompletions, "dedupe-completions", false, "score only the first completion per player per question (env: KANAPARTY_DEDUPE_COMPLETIONS)")
	fs.StringVar(&cfg.joinURL, "join-url", "", "client URL encoded in room QR codes, defaults to this server (env: KANAPARTY_JOIN_URL)")
	fs.IntVar(&cfg.maxPlayers, "max-players", 40, "maximum players per room (env: KANAPARTY_MAX_PLAYERS)")
	fs.IntVar(&cfg.messageBurst, "message-burst", 60, "burst of messages accepted per connection (env: KANAPARTY_MESSAGE_BURST)")
	fs.Float64Var(&cfg.messageRate, "message-rate", 30, "messages per second accepted per connection, 0 to disable (env: KANAPARTY_MESSAGE_RATE)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: KANAPARTY_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: KANAPARTY_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: KANAPARTY_PROFILE)")
	fs.DurationVar(&cfg.recap, "recap", 3*time.Second, "recap shown between questions (env: KANAPARTY_RECAP)")
	fs.DurationVar(&cfg.roomTimeout, "room-timeout", 10*time.Minute, "time before rooms nobody joined are removed, 0 to disable (env: KANAPARTY_ROOM_TIMEOUT)")
	fs.DurationVar(&cfg.timePerQuestion, "time-per-question", 10*time.Second, "time limit shown for new rooms until a game sets its own (env: KANAPARTY_TIME_PER_QUESTION)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: KANAPARTY_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: KANAPARTY_TLS_KEY)")
	fs.IntVar(&cfg.totalQuestions, "total-questions", 20, "question count shown for new rooms until a game sets its own (env: KANAPARTY_TOTAL_QUESTIONS)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: KANAPARTY_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: KANAPARTY_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("kanaparty v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
