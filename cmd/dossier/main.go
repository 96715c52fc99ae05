// Command dossier runs the research-briefing agent. It serves runs over a
// websocket endpoint and exposes prometheus metrics, or answers a single
// message from the command line with -message.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dossierbot/dossier"
	"github.com/dossierbot/dossier/agent"
	"github.com/dossierbot/dossier/config"
	"github.com/dossierbot/dossier/llm"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (optional)")
		addr       = flag.String("addr", ":8080", "listen address for the websocket and metrics endpoints")
		convID     = flag.String("conversation", "cli", "conversation id for -message mode")
		message    = flag.String("message", "", "answer one message and exit instead of serving")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("dossier", dossier.Version)
		return
	}

	if err := run(*configPath, *addr, *convID, *message); err != nil {
		fmt.Fprintln(os.Stderr, "dossier:", err)
		os.Exit(1)
	}
}

func run(configPath, addr, convID, message string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := dossier.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:       os.Getenv("OPENAI_API_KEY"),
		BaseURL:      os.Getenv("OPENAI_BASE_URL"),
		DefaultModel: cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout,
	}, logger)

	bot, err := dossier.New(cfg, provider, dossier.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = bot.Close(closeCtx)
	}()

	if message != "" {
		return answerOnce(ctx, bot, convID, message)
	}
	return serve(ctx, bot, addr, logger)
}

// answerOnce runs a single message and prints the final answer.
func answerOnce(ctx context.Context, bot *dossier.Bot, convID, message string) error {
	for ev := range bot.Stream.Message(ctx, convID, message) {
		switch ev.Type {
		case agent.EventPlan:
			for i, step := range ev.Plan {
				fmt.Fprintf(os.Stderr, "plan %d. %s\n", i+1, step)
			}
		case agent.EventDecision:
			fmt.Fprintf(os.Stderr, "action: %s\n", ev.Action)
		case agent.EventFinal:
			fmt.Println(ev.Answer)
		case agent.EventError:
			return fmt.Errorf("run aborted: %s", ev.Reason)
		}
	}
	return nil
}

func serve(ctx context.Context, bot *dossier.Bot, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", bot.Stream.HandleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
