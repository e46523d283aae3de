// Sourcely - repository analysis and chat client
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AmossDvir1/sourcely-go/internal/api"
	"github.com/AmossDvir1/sourcely-go/internal/chat"
	"github.com/AmossDvir1/sourcely-go/internal/config"
	"github.com/AmossDvir1/sourcely-go/internal/keystore"
	"github.com/AmossDvir1/sourcely-go/internal/session"
	"github.com/AmossDvir1/sourcely-go/internal/stub"
	"github.com/joho/godotenv"
)

const usage = `usage: sourcely <command> [flags]

commands:
  login      -email -password        authenticate and persist the session
  logout                             invalidate the session
  register   -email -password ...    create an account
  whoami                             show the verified current user
  models                             list available AI models
  analyze    -repo [-model] ...      generate a repository analysis
  analyses   [list|get|delete] ...   manage saved analyses
  chat       -repo [-mode]           chat with an indexed repository
  theme      [light|dark]            show or set the UI theme preference
  stub                               run the local stub backend
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1], os.Args[2:]); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, command string, args []string) error {
	if command == "stub" {
		return runStub(ctx, cfg)
	}

	store, err := keystore.NewSQLite(cfg.KeystorePath)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Warn("Failed to close keystore", "error", closeErr)
		}
	}()

	client, err := api.New(api.Config{
		BaseURL:    cfg.APIBaseURL,
		APIVersion: cfg.APIVersion,
		Timeout:    cfg.RequestTimeout,
		Keystore:   store,
	})
	if err != nil {
		return err
	}

	mgr, err := session.New(session.Config{
		Client:          client,
		Keystore:        store,
		MinCheckingTime: cfg.MinCheckingTime,
	})
	if err != nil {
		return err
	}

	switch command {
	case "login":
		return runLogin(ctx, mgr, args)
	case "logout":
		mgr.Logout(ctx)
		fmt.Println("Logged out.")
		return nil
	case "register":
		return runRegister(ctx, client, args)
	case "whoami":
		return runWhoami(ctx, client)
	case "models":
		return runModels(ctx, client)
	case "analyze":
		return runAnalyze(ctx, client, args)
	case "analyses":
		return runAnalyses(ctx, client, args)
	case "chat":
		return runChat(ctx, cfg, client, args)
	case "theme":
		return runTheme(ctx, store, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runLogin(ctx context.Context, mgr *session.Manager, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("login requires -email and -password")
	}

	if err := mgr.Login(ctx, api.Credentials{Email: *email, Password: *password}); err != nil {
		if errors.Is(err, api.ErrUnauthenticated) {
			return fmt.Errorf("invalid email or password")
		}
		return err
	}

	snap := mgr.Current()
	fmt.Printf("Logged in as %s %s <%s>\n", snap.User.FirstName, snap.User.LastName, snap.User.Email)
	return nil
}

func runRegister(ctx context.Context, client *api.Client, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	first := fs.String("first", "", "first name")
	last := fs.String("last", "", "last name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("register requires -email and -password")
	}

	user, err := client.Register(ctx, api.Registration{
		Email:     *email,
		Password:  *password,
		FirstName: *first,
		LastName:  *last,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s. Run `sourcely login` to sign in.\n", user.Email)
	return nil
}

func runWhoami(ctx context.Context, client *api.Client) error {
	user, err := client.Verify(ctx)
	if err != nil {
		if errors.Is(err, api.ErrUnauthenticated) || errors.Is(err, api.ErrRefreshFailed) {
			return fmt.Errorf("not logged in")
		}
		return err
	}
	fmt.Printf("%s %s <%s>\n", user.FirstName, user.LastName, user.Email)
	return nil
}

func runModels(ctx context.Context, client *api.Client) error {
	models, err := client.Models(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Printf("%-12s %s — %s\n", m.ID, m.Name, m.Description)
	}
	return nil
}

func runAnalyze(ctx context.Context, client *api.Client, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	repo := fs.String("repo", "", "public repository URL")
	model := fs.String("model", "", "model ID (see `sourcely models`)")
	exts := fs.String("ext", "", "comma-separated extension mask, e.g. .go,.md")
	contentTypes := fs.String("content", "", "comma-separated content types")
	save := fs.Bool("save", false, "save the analysis to your account")
	name := fs.String("name", "", "name for the saved analysis")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *repo == "" {
		return fmt.Errorf("analyze requires -repo")
	}

	prep, err := client.PrepareAnalysis(ctx, *repo)
	if err != nil {
		return err
	}
	slog.Info("Repository prepared", "repo", prep.RepoName, "extensions", prep.Extensions)

	result, err := client.Analyze(ctx, api.AnalyzeRequest{
		GithubURL:          *repo,
		ModelID:            *model,
		IncludedExtensions: splitList(*exts),
		ContentTypes:       splitList(*contentTypes),
	})
	if err != nil {
		return err
	}

	staged, err := client.GetAnalysis(ctx, result.TempID)
	if err != nil {
		return err
	}
	fmt.Println(staged.AnalysisContent)

	if *save {
		saveName := *name
		if saveName == "" {
			saveName = prep.RepoName
		}
		saved, err := client.SaveAnalysis(ctx, api.SaveAnalysisRequest{
			Name:   saveName,
			TempID: result.TempID,
		})
		if err != nil {
			return fmt.Errorf("save analysis: %w", err)
		}
		fmt.Printf("\nSaved as %q (%s)\n", saved.Name, saved.ID)
	}
	return nil
}

func runAnalyses(ctx context.Context, client *api.Client, args []string) error {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("analyses", flag.ExitOnError)
	id := fs.String("id", "", "analysis ID")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch sub {
	case "list":
		records, err := client.ListAnalyses(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No saved analyses.")
			return nil
		}
		for _, a := range records {
			fmt.Printf("%s  %-24s %-18s %s\n", a.ID, a.Name, a.ModelUsed, a.AnalysisDate)
		}
		return nil
	case "get":
		if *id == "" {
			return fmt.Errorf("analyses get requires -id")
		}
		record, err := client.GetAnalysis(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Println(record.AnalysisContent)
		return nil
	case "delete":
		if *id == "" {
			return fmt.Errorf("analyses delete requires -id")
		}
		if err := client.DeleteAnalysis(ctx, *id); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	default:
		return fmt.Errorf("unknown analyses subcommand %q", sub)
	}
}

func runChat(ctx context.Context, cfg *config.Config, client *api.Client, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	repo := fs.String("repo", "", "public repository URL")
	mode := fs.String("mode", "", "chat mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *repo == "" {
		return fmt.Errorf("chat requires -repo")
	}

	sess, err := chat.New(chat.Config{
		Client:            client,
		BaseURL:           cfg.APIBaseURL,
		PollInterval:      cfg.ChatPollInterval,
		PollFailureBudget: cfg.ChatPollFailureBudget,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Prepare(ctx, *repo, *mode); err != nil {
		return err
	}
	fmt.Println("Preparing repository... this may take a moment.")

	if err := sess.WaitReady(ctx); err != nil {
		if errors.Is(err, chat.ErrIndexingFailed) {
			return fmt.Errorf("failed to prepare the chat session, please try again")
		}
		return err
	}
	if err := sess.Connect(ctx); err != nil {
		return err
	}

	if suggestions := sess.Suggestions(); len(suggestions) > 0 {
		fmt.Println("Suggested prompts:")
		for _, sug := range suggestions {
			fmt.Println("  -", sug)
		}
	}
	fmt.Println(`Chat ready. Type a message, or "exit" to quit.`)

	go renderMessages(ctx, sess)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" {
			return nil
		}
		if !sess.Send(ctx, line) && line != "" {
			fmt.Println("(not connected, message dropped)")
		}
	}
}

// renderMessages prints bot output incrementally: fragments of an ongoing
// bot turn append to the current line, a new turn starts a new line.
func renderMessages(ctx context.Context, sess *chat.Session) {
	var lastBotID string
	var lastBotLen int
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sess.Updates():
			if !ok {
				return
			}
		}

		msgs := sess.Messages()
		if len(msgs) == 0 {
			continue
		}
		last := msgs[len(msgs)-1]
		if last.Sender != chat.SenderBot {
			continue
		}
		if last.ID != lastBotID {
			fmt.Print("\nbot> ")
			lastBotID = last.ID
			lastBotLen = 0
		}
		fmt.Print(last.Text[lastBotLen:])
		lastBotLen = len(last.Text)
	}
}

func runTheme(ctx context.Context, store keystore.Store, args []string) error {
	if len(args) == 0 {
		theme, err := store.Get(ctx, keystore.KeyTheme)
		if errors.Is(err, keystore.ErrNotFound) {
			theme = "light"
		} else if err != nil {
			return err
		}
		fmt.Println(theme)
		return nil
	}

	theme := args[0]
	if theme != "light" && theme != "dark" {
		return fmt.Errorf("theme must be \"light\" or \"dark\"")
	}
	return store.Set(ctx, keystore.KeyTheme, theme)
}

func runStub(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	backend := stub.New(logger)
	demo := backend.SeedAccount("demo@sourcely.dev", "demo", "Demo", "User")
	logger.Info("Seeded demo account", "email", demo.Email, "password", "demo")

	srv := &http.Server{
		Addr:         ":" + cfg.StubPort,
		Handler:      backend.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming chat connections stay open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Stub backend listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Stub backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down stub backend...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stub shutdown: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
