// handlers.go contains the command implementations behind commands.go.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"github.com/taskhive/taskchat/internal/auth"
	"github.com/taskhive/taskchat/internal/config"
	"github.com/taskhive/taskchat/internal/history"
	"github.com/taskhive/taskchat/internal/observability"
	"github.com/taskhive/taskchat/internal/session"
	"github.com/taskhive/taskchat/internal/transport"
	"github.com/taskhive/taskchat/pkg/models"
)

const defaultConfigFile = "taskchat.yaml"

type app struct {
	cfg     *config.Config
	cred    *auth.Credential
	logger  *slog.Logger
	metrics *observability.Metrics
	history *history.Client
}

func newApp(flags *rootFlags) (*app, error) {
	path := flags.configPath
	if path == "" {
		path = defaultConfigFile
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	token := flags.token
	if token == "" {
		token = cfg.Auth.Token
	}
	if token == "" {
		token, err = promptToken()
		if err != nil {
			return nil, err
		}
	}
	cred, err := auth.NewCredential(token)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if flags.debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	if cred.Expired(time.Now()) {
		logger.Warn("bearer token looks expired; requests will likely be rejected")
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	client, err := history.NewClient(history.Config{
		BaseURL:    cfg.Server.BaseURL,
		Credential: cred,
		Timeout:    cfg.Server.RequestTimeout,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, cred: cred, logger: logger, metrics: metrics, history: client}, nil
}

func promptToken() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no token: set --token, auth.token in the config file, or TASKCHAT_TOKEN")
	}
	fmt.Fprint(os.Stderr, "Token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

func (a *app) runTail(ctx context.Context, taskID int64) error {
	channel, err := transport.NewWSChannel(transport.WSConfig{
		URL:        a.cfg.Server.WSURL,
		Credential: a.cred,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}
	defer channel.Close()

	printer := newPrinter()
	mgr, err := session.Open(ctx, taskID, session.Config{
		History:            a.history,
		Channel:            channel,
		SelfUsername:       a.cred.Identity().Username,
		PageSize:           a.cfg.Chat.PageSize,
		SendConfirmTimeout: a.cfg.Chat.SendConfirmTimeout,
		TypingDebounce:     a.cfg.Chat.TypingDebounce,
		TypingExpiry:       a.cfg.Chat.TypingExpiry,
		OnChange:           printer.onChange,
		OnEvent:            printer.onEvent,
		Logger:             a.logger,
		Metrics:            a.metrics,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	switch st := mgr.State(); st.Phase {
	case session.PhasePermissionDenied:
		return fmt.Errorf("you do not have access to task %d's chat", taskID)
	case session.PhaseFailed:
		return fmt.Errorf("failed to open session: %s", st.LastError.Message)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := mgr.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "! send failed: %v\n", err)
			}
		}
	}
}

func (a *app) runHistory(ctx context.Context, taskID int64, limit, offset int) error {
	if limit <= 0 {
		limit = a.cfg.Chat.PageSize
	}
	page, err := a.history.LoadPage(ctx, taskID, limit, offset)
	if err != nil {
		return err
	}
	for _, msg := range page.Messages {
		printMessage(msg)
	}
	if page.HasMore {
		fmt.Printf("-- older messages available (try --offset %d)\n", offset+len(page.Messages))
	}
	return nil
}

func (a *app) runSend(ctx context.Context, taskID int64, words []string) error {
	msg, err := a.history.PostMessage(ctx, taskID, strings.Join(words, " "))
	if err != nil {
		return err
	}
	fmt.Printf("sent message %d to task %d\n", msg.ID, taskID)
	return nil
}

func (a *app) runParticipants(ctx context.Context, taskID int64) error {
	participants, err := a.history.LoadParticipants(ctx, taskID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		owner := ""
		if p.IsTaskOwner {
			owner = " (owner)"
		}
		fmt.Printf("%-20s %s%s\n", p.Username, p.FullName, owner)
	}
	return nil
}

func (a *app) runStats(ctx context.Context, taskID int64) error {
	stats, err := a.history.Stats(ctx, taskID)
	if err != nil {
		return err
	}
	fmt.Printf("task:     %d\n", taskID)
	fmt.Printf("messages: %d\n", stats.MessageCount)
	fmt.Printf("has_chat: %v\n", stats.HasChat)
	return nil
}

// printer renders session snapshots and room events to the terminal,
// tracking what it already printed so snapshot replays stay quiet.
type printer struct {
	mu         sync.Mutex
	printed    map[int64]struct{}
	typingLine string
}

func newPrinter() *printer {
	return &printer{printed: make(map[int64]struct{})}
}

func (p *printer) onChange(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range snap.Messages {
		if _, ok := p.printed[msg.ID]; ok {
			continue
		}
		p.printed[msg.ID] = struct{}{}
		printMessage(msg)
	}

	names := make([]string, 0, len(snap.Typing))
	for _, t := range snap.Typing {
		names = append(names, t.Username)
	}
	line := strings.Join(names, ", ")
	if line != p.typingLine {
		p.typingLine = line
		if line != "" {
			fmt.Printf("* typing: %s\n", line)
		}
	}
}

func (p *printer) onEvent(ev models.Event) {
	switch e := ev.(type) {
	case models.PresenceEvent:
		verb := "left"
		if e.Joined {
			verb = "joined"
		}
		fmt.Printf("* %s %s the chat\n", e.Username, verb)
	case models.StatusEvent:
		if e.Connected {
			fmt.Println("* connected")
		} else {
			fmt.Printf("* disconnected: %s\n", e.Err)
		}
	case models.ErrorEvent:
		fmt.Fprintf(os.Stderr, "! server error: %s\n", e.Message)
	}
}

func printMessage(msg models.Message) {
	name := msg.Username
	if name == "" {
		name = "unknown"
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04"), name, msg.Content)
}
