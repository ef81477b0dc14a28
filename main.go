// ask is a terminal client for an assistant chat backend: streaming replies,
// resumable sessions, reply variants, and session sharing.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ask-cli/ask/api"
	"github.com/ask-cli/ask/engine"
	"github.com/ask-cli/ask/ident"
	"github.com/ask-cli/ask/store"
)

func is_interactive(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newLogger writes structured logs to ~/.ask/ask.log so they never corrupt
// the TUI. Verbose mode adds stderr output and debug level.
func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{filepath.Join(configDir(), "ask.log")}
	cfg.ErrorOutputPaths = cfg.OutputPaths
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.OutputPaths = append(cfg.OutputPaths, "stderr")
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// app bundles everything the commands need wired together.
type app struct {
	cfg    *ConfigFile
	log    *zap.Logger
	kv     store.KV
	ids    *ident.Resolver
	client *api.Client
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	log := newLogger(verbose)

	var kv store.KV
	kv, err = store.OpenSQLite(filepath.Join(configDir(), "state.db"))
	if err != nil {
		// Run without persistence rather than refusing to start.
		log.Warn("state database unavailable, guest continuity disabled", zap.Error(err))
		kv = store.NewMemory()
	}

	backendFlag, _ := cmd.Flags().GetString("backend")
	backend := resolveBackend(backendFlag, cfg)

	timeout, _ := cmd.Flags().GetInt("timeout")
	if timeout == 0 {
		timeout = intOr(cfg.Timeout, 30)
	}

	return &app{
		cfg: cfg,
		log: log,
		kv:  kv,
		ids: ident.NewResolver(kv, log),
		client: api.NewClient(backend,
			api.WithTimeout(time.Duration(timeout)*time.Second),
			api.WithLogger(log)),
	}, nil
}

func (a *app) Close() {
	a.kv.Close()
	a.log.Sync()
}

func (a *app) newEngine(cmd *cobra.Command) *engine.Chat {
	modelFlag, _ := cmd.Flags().GetString("model")
	noSave, _ := cmd.Flags().GetBool("no-save")

	return engine.New(a.client, a.ids,
		engine.WithLogger(a.log),
		engine.WithDefaultModel(resolveModel(modelFlag, a.cfg)),
		engine.WithGuestSave(!noSave && boolOr(a.cfg.GuestSave, true)))
}

func (a *app) sendOptions(cmd *cobra.Command) (engine.SendOptions, error) {
	webSearch, _ := cmd.Flags().GetBool("web-search")
	files, _ := cmd.Flags().GetStringSlice("files")

	uploads, err := openUploads(files)
	if err != nil {
		return engine.SendOptions{}, err
	}
	return engine.SendOptions{
		Files:      uploads,
		WebSearch:  webSearch || boolOr(a.cfg.WebSearch, false),
		Censorship: boolOr(a.cfg.Censorship, true),
	}, nil
}

func mimeTypeByName(path string) string {
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func openUploads(paths []string) ([]api.Upload, error) {
	var uploads []api.Upload
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", p, err)
		}
		uploads = append(uploads, api.Upload{
			Name:     filepath.Base(p),
			MimeType: mimeTypeByName(p),
			Reader:   f,
		})
	}
	return uploads, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	eng := a.newEngine(cmd)
	sendOpts, err := a.sendOptions(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sessionFlag, _ := cmd.Flags().GetString("session")
	resume, _ := cmd.Flags().GetBool("resume")
	switch {
	case sessionFlag != "":
		if err := eng.LoadSession(ctx, sessionFlag); err != nil {
			return fmt.Errorf("load session %q: %w", sessionFlag, err)
		}
	case resume:
		if id, _ := a.ids.Current(); id != "" {
			if err := eng.LoadSession(ctx, id); err != nil {
				a.log.Warn("could not resume last session", zap.Error(err))
			}
		}
	}

	query := strings.Join(args, " ")
	if !is_interactive(os.Stdin.Fd()) {
		piped, _ := io.ReadAll(os.Stdin)
		if len(piped) > 0 {
			query = strings.TrimSpace(query + "\n\n" + string(piped))
		}
	}

	interactive := is_interactive(os.Stdout.Fd())
	noMarkdown, _ := cmd.Flags().GetBool("no-markdown")
	renderMarkdown := interactive && !noMarkdown && boolOr(a.cfg.Markdown, true)

	chatMode, _ := cmd.Flags().GetBool("chat")
	if chatMode || (query == "" && interactive) {
		return runChatTui(eng, a.client, a.ids, renderMarkdown, sendOpts, query)
	}

	if query == "" {
		return errors.New("nothing to ask: pass a question or run interactively")
	}
	return runOneShot(ctx, eng, a.client.BaseURL(), query, sendOpts)
}

// runOneShot sends one message, streams the reply to stdout and exits.
// Interrupt stops generation but still prints what arrived.
func runOneShot(ctx context.Context, eng *engine.Chat, backendBase, query string, opts engine.SendOptions) error {
	var (
		mu       sync.Mutex
		streamed string
		done     = make(chan struct{})
		once     sync.Once
	)

	eng.SetOnChange(func() {
		mu.Lock()
		msgs := eng.Messages()
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			// Stream deltas as long as the text only grows; a settled reply
			// that rewrote it is handled after the wait.
			if last.Role == engine.RoleModel && strings.HasPrefix(last.Content, streamed) {
				fmt.Print(last.Content[len(streamed):])
				streamed = last.Content
			}
		}
		busy := eng.Busy()
		mu.Unlock()
		if !busy {
			once.Do(func() { close(done) })
		}
	})

	eng.Send(query, opts)
	if !eng.Busy() {
		select {
		case <-done:
		default:
			return errors.New("message not sent (is the session read-only?)")
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		eng.Stop()
		<-done
	}

	msgs := eng.Messages()
	if len(msgs) == 0 {
		return errors.New("no reply")
	}
	last := msgs[len(msgs)-1]
	if last.IsError {
		fmt.Println()
		return errors.New("generation failed, see log for details")
	}

	mu.Lock()
	if !strings.HasPrefix(last.Content, streamed) {
		// The settled reply diverged from the streamed text; print it whole.
		fmt.Print("\n\n" + last.Content)
	}
	mu.Unlock()
	fmt.Println()

	showGeneratedImages(backendBase, last.CurrentImages())
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Chat with the assistant from your terminal",
		Args:  cobra.ArbitraryArgs,
		RunE:  runAsk,
	}

	rootCmd.Flags().StringP("model", "m", "", "Model to use (ASK_MODEL from env or the config default)")
	rootCmd.Flags().StringP("backend", "b", "", "Backend base URL (ASK_BACKEND from env or the config default)")
	rootCmd.Flags().StringP("session", "s", "", "Open a session by slug or id")
	rootCmd.Flags().Bool("resume", false, "Continue the most recent session")
	rootCmd.Flags().BoolP("chat", "c", false, "Launch interactive chat mode")
	rootCmd.Flags().StringSliceP("files", "f", []string{}, "Files to attach to the message")
	rootCmd.Flags().Bool("web-search", false, "Allow the assistant to search the web")
	rootCmd.Flags().Bool("no-save", false, "Do not remember this session for later runs")
	rootCmd.Flags().Bool("no-markdown", false, "Print replies without markdown rendering")
	rootCmd.Flags().Int("timeout", 0, "Timeout in seconds for non-streaming requests")
	rootCmd.Flags().BoolP("verbose", "v", false, "Debug logging to stderr")

	rootCmd.AddCommand(
		newSessionsCmd(),
		newHistoryCmd(),
		newRenameCmd(),
		newDeleteCmd(),
		newShareCmd(),
		newUnshareCmd(),
	)
	for _, sub := range rootCmd.Commands() {
		sub.Flags().String("backend", "", "Backend base URL")
		sub.Flags().Int("timeout", 0, "Timeout in seconds")
		sub.Flags().BoolP("verbose", "v", false, "Debug logging to stderr")
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
