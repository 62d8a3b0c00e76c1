package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/jiminy/pkg/session"
	"github.com/go-go-golems/jiminy/pkg/transport"
)

var (
	configPath string
	logLevel   string
)

func initLogger() error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", logLevel)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		writer.NoColor = true
	}
	log.Logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return nil
}

// loadConfig merges the optional YAML config file onto the defaults. Flags on
// the chat command are applied on top by the caller.
func loadConfig() (session.Config, error) {
	cfg := session.DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", configPath)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", configPath)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "jiminy",
		Short: "Resilient chat session client",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initLogger()
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.AddCommand(newChatCmd())
	return root
}

func newChatCmd() *cobra.Command {
	var (
		httpEndpoint string
		wsEndpoint   string
		apiKey       string
		noStreaming  bool
		noCache      bool
		historyPath  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpEndpoint != "" {
				cfg.HTTPEndpoint = httpEndpoint
			}
			if wsEndpoint != "" {
				cfg.WSEndpoint = wsEndpoint
			}
			if apiKey != "" {
				cfg.APIKey = apiKey
			}
			if noStreaming {
				cfg.Streaming = false
			}
			if noCache {
				cfg.Cache.Enabled = false
			}
			if historyPath != "" {
				cfg.HistoryPath = historyPath
			}
			return runChat(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&httpEndpoint, "http-endpoint", "", "one-shot HTTP endpoint")
	cmd.Flags().StringVar(&wsEndpoint, "ws-endpoint", "", "websocket endpoint for streamed answers")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key sent with every request")
	cmd.Flags().BoolVar(&noStreaming, "no-streaming", false, "disable the persistent connection")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the response cache")
	cmd.Flags().StringVar(&historyPath, "history", "", "sqlite file to persist chat history")
	return cmd
}

func runChat(ctx context.Context, cfg session.Config) error {
	// Buffered so that synchronously delivered answers (cache hits, policy
	// rejections) are not lost before the read loop starts waiting.
	done := make(chan struct{}, 1)
	events := session.Events{
		OnMessage: func(m session.Message) {
			if m.Sender != session.SenderBot {
				return
			}
			suffix := ""
			if m.Cached {
				suffix = " (cached)"
			}
			fmt.Printf("assistant%s: %s\n", suffix, m.Text)
			select {
			case done <- struct{}{}:
			default:
			}
		},
		OnProgress: func(partial string) {
			fmt.Printf("\r%s", partial)
		},
		OnStateChange: func(st transport.State) {
			log.Debug().Str("component", "cli").Stringer("state", st).Msg("connection state changed")
		},
	}

	s, err := session.New(cfg, events)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	eg.Go(func() error {
		defer cancel()
		return readLoop(ctx, s, done)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errQuit) {
		return nil
	}
	return err
}

var errQuit = errors.New("quit")

func readLoop(ctx context.Context, s *session.Session, done <-chan struct{}) error {
	scanner := bufio.NewScanner(os.Stdin)
	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())

	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if handled, err := handleCommand(s, line); handled {
			if err != nil {
				return err
			}
			continue
		}

		if err := s.Submit(line); err != nil {
			if errors.Is(err, session.ErrResponsePending) {
				fmt.Println("still waiting for the previous answer")
				continue
			}
			return err
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleCommand intercepts the slash commands of the REPL. Returns true when
// line was a command, whether or not it succeeded.
func handleCommand(s *session.Session, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, nil
	}
	switch line {
	case "/quit", "/exit":
		return true, errQuit
	case "/reconnect":
		s.Reconnect()
		fmt.Println("reconnecting")
	case "/cache on":
		s.SetCacheEnabled(true)
		fmt.Println("cache enabled")
	case "/cache off":
		s.SetCacheEnabled(false)
		fmt.Println("cache disabled")
	case "/cache clear":
		s.ClearCache()
		fmt.Println("cache cleared")
	case "/stream on":
		s.SetStreamingEnabled(true)
		fmt.Println("streaming enabled")
	case "/stream off":
		s.SetStreamingEnabled(false)
		fmt.Println("streaming disabled")
	case "/history":
		for _, m := range s.History() {
			fmt.Printf("%s: %s\n", m.Sender, m.Text)
		}
	case "/state":
		fmt.Println(s.ConnectionState())
	default:
		fmt.Println("unknown command:", line)
	}
	return true, nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
