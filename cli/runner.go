// Command execution for CLI commands.
//
// Information Hiding:
// - How provider, store, and service are assembled from settings
// - REPL command dispatch and output formatting
// - Signal wiring for stream stop and server shutdown

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/richinex/chatcore/chat"
	"github.com/richinex/chatcore/config"
	"github.com/richinex/chatcore/history"
	"github.com/richinex/chatcore/internal/logging"
	"github.com/richinex/chatcore/llm"
	"github.com/richinex/chatcore/server"
	"github.com/richinex/chatcore/session"
)

// Options holds CLI execution options.
type Options struct {
	Provider string
	Model    string
	SID      string
	Addr     string
	Verbose  bool
}

// stack is everything a command needs, assembled once from settings.
type stack struct {
	settings config.Settings
	logger   *zap.Logger
	svc      *chat.Service
	close    func()
}

func buildStack(opts Options) (*stack, error) {
	settings, err := config.New(opts.Provider)
	if err != nil {
		return nil, err
	}
	if opts.Model != "" {
		settings.LLM.Model = opts.Model
	}

	logger, err := logging.New(settings.Env, opts.Verbose)
	if err != nil {
		return nil, err
	}

	provider, err := createProvider(settings)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(settings, logger)
	if err != nil {
		return nil, err
	}

	svc := chat.NewService(provider, store).WithLogger(logger)
	if settings.LLM.SystemPrompt != "" {
		svc = svc.WithSystemPrompt(settings.LLM.SystemPrompt)
	}

	return &stack{
		settings: settings,
		logger:   logger,
		svc:      svc,
		close: func() {
			closeStore()
			logger.Sync()
		},
	}, nil
}

func createProvider(settings config.Settings) (llm.Provider, error) {
	providerType, err := llm.ParseProviderType(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}

	apiKey, err := config.APIKeyFor(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}

	return providerType.
		Model(settings.LLM.Model).
		MaxTokens(settings.LLM.MaxTokens).
		Temperature(float32(settings.LLM.Temperature)).
		APIKey(apiKey)
}

// openStore builds the history backend named by settings. The redis and
// auto backends wrap Redis with an in-memory fallback so an unreachable
// server degrades instead of failing. The returned func releases whatever
// the backend holds open.
func openStore(settings config.Settings, logger *zap.Logger) (history.Store, func(), error) {
	h := settings.History
	noop := func() {}

	switch h.Backend {
	case "memory":
		return history.NewMemoryStore(h.MaxTurns, h.TTL), noop, nil

	case "sqlite":
		store, err := history.OpenSqlite(h.SqlitePath, h.MaxTurns, h.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		return store, func() { store.Close() }, nil

	case "redis":
		return openRedis(settings, logger)

	default: // auto
		if h.RedisURL != "" {
			return openRedis(settings, logger)
		}
		logger.Info("no REDIS_URL configured, keeping history in memory")
		return history.NewMemoryStore(h.MaxTurns, h.TTL), noop, nil
	}
}

func openRedis(settings config.Settings, logger *zap.Logger) (history.Store, func(), error) {
	h := settings.History
	redisStore, err := history.NewRedisStore(h.RedisURL, settings.Env, h.MaxTurns, h.TTL)
	if err != nil {
		return nil, nil, err
	}
	fallback := history.NewMemoryStore(h.MaxTurns, h.TTL)
	return history.NewFallbackStore(redisStore, fallback, logger), func() { redisStore.Close() }, nil
}

// Chat starts an interactive chat session.
func Chat(ctx context.Context, opts Options) error {
	st, err := buildStack(opts)
	if err != nil {
		return err
	}
	defer st.close()

	sid, created := session.Resolve(opts.SID)
	provider := st.svc.Provider()

	fmt.Printf("Chatting with %s (%s), history on %s.\n", provider.Name(), provider.Model(), st.svc.Store().Name())
	if created {
		fmt.Printf("New session %s. Resume later with --sid %s.\n", sid, sid)
	} else if count, err := st.svc.Store().Count(ctx, sid); err == nil && count > 0 {
		fmt.Printf("Resuming session %s (%d messages).\n", sid, count)
	}
	fmt.Println("Commands: /history, /clear, /quit. Ctrl+C stops a streaming reply.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch input {
		case "/quit", "quit", "exit":
			return nil
		case "/clear":
			if err := st.svc.Clear(ctx, sid); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			} else {
				fmt.Println("History cleared.")
			}
			continue
		case "/history":
			printHistory(ctx, st.svc, sid)
			continue
		}

		streamTurn(ctx, st.svc, sid, input)
	}

	return scanner.Err()
}

// streamTurn runs one streamed reply, printing fragments as they arrive.
// SIGINT during the turn cancels it; the partial reply stays in history.
// Outside a turn the default SIGINT disposition applies, so Ctrl+C at the
// prompt still exits.
func streamTurn(ctx context.Context, svc *chat.Service, sid, input string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-turnCtx.Done():
		}
	}()

	fmt.Println()
	_, err := svc.Stream(turnCtx, sid, input, func(chunk string) error {
		fmt.Print(chunk)
		return nil
	})

	switch {
	case errors.Is(err, context.Canceled) || (err == nil && turnCtx.Err() != nil):
		fmt.Println("\n[stopped]")
	case err != nil:
		fmt.Fprintf(os.Stderr, "\n%s\n", chat.Humanize(err))
	default:
		fmt.Println()
	}
	fmt.Println()
}

func printHistory(ctx context.Context, svc *chat.Service, sid string) {
	messages, err := svc.History(ctx, sid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	if len(messages) == 0 {
		fmt.Println("No history yet.")
		return
	}
	for _, msg := range messages {
		fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
	}
	fmt.Println()
}

// Serve runs the HTTP server until SIGINT/SIGTERM, then drains in-flight
// requests before returning.
func Serve(ctx context.Context, opts Options) error {
	st, err := buildStack(opts)
	if err != nil {
		return err
	}
	defer st.close()

	addr := opts.Addr
	if addr == "" {
		addr = st.settings.ListenAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(st.svc, st.logger, st.settings.Env).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	st.logger.Info("server listening",
		zap.String("addr", addr),
		zap.String("env", st.settings.Env),
		zap.String("provider", st.svc.Provider().Name()),
		zap.String("model", st.svc.Provider().Model()),
		zap.String("history_backend", st.svc.Store().Name()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		st.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
