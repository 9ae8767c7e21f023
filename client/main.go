package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"matchchat/client/api"
	"matchchat/client/config"
	"matchchat/client/connection"
	"matchchat/client/dispatch"
	"matchchat/client/metrics"
	"matchchat/client/session"
	"matchchat/logging"
	"matchchat/model"
)

var (
	configPath     string
	conversationID int64
	showStats      bool
	listLimit      int

	rootCmd = &cobra.Command{
		Use:   "chatclient",
		Short: "Terminal client for matched-user conversations",
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation and chat from stdin",
		Long: `Reads one message per line from stdin. Each message line signals typing
to the other participant before it is sent; an empty line signals typing
without sending. Commands:
  /retry <id>    resend a failed message
  /discard <id>  drop a failed message
  /quit          leave`,
		RunE: runChat,
	}

	conversationsCmd = &cobra.Command{
		Use:   "conversations",
		Short: "List your conversations",
		RunE:  runConversations,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	chatCmd.Flags().Int64Var(&conversationID, "conversation", 0, "conversation id to open")
	chatCmd.Flags().BoolVar(&showStats, "stats", false, "print latency statistics on exit")
	chatCmd.MarkFlagRequired("conversation")

	conversationsCmd.Flags().IntVar(&listLimit, "limit", 20, "conversations per page")

	rootCmd.AddCommand(chatCmd, conversationsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newAPI(cfg *config.Config, logger *zap.Logger) (*api.Client, error) {
	return api.New(cfg.API.BaseURL, cfg.Auth.Token, api.WithLogger(logger))
}

func runConversations(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	client, err := newAPI(cfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout)
	defer cancel()

	list, err := client.ListConversations(ctx, listLimit, 0)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWITH\tONLINE\tUNREAD\tLAST MESSAGE")
	for _, c := range list.Conversations {
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		fmt.Fprintf(w, "%d\t%s\t%t\t%d\t%s\n", c.ID, c.OtherUser.DisplayName, c.OtherUser.IsOnline, c.UnreadCount, last)
	}
	return w.Flush()
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newAPI(cfg, logger)
	if err != nil {
		return err
	}
	collector := metrics.NewCollector()
	dispatcher := dispatch.New(logger, collector)

	acked := make(chan int64, 1)
	unsubAck := dispatcher.Subscribe(model.KindConnectionAck, func(ev model.InboundEvent) {
		select {
		case acked <- ev.(model.ConnectionAck).UserID:
		default:
		}
	})

	conn, err := connection.New(cfg.ConnectionConfig(), connection.WebsocketDialer{}, dispatcher,
		connection.WithLogger(logger), connection.WithMetrics(collector))
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Connect(cfg.Auth.Token); err != nil {
		return err
	}

	selfID := cfg.Auth.UserID
	if selfID == 0 {
		select {
		case selfID = <-acked:
		case <-time.After(cfg.Realtime.HandshakeTimeout):
			return errors.New("no connection acknowledgement from relay; set auth.user_id to chat offline")
		case <-ctx.Done():
			return nil
		}
	}
	unsubAck()

	out := cmd.OutOrStdout()
	view := newRenderer(selfID)
	var renderMu sync.Mutex
	var current atomic.Pointer[session.Session]
	render := func() {
		sess := current.Load()
		if sess == nil {
			return
		}
		renderMu.Lock()
		defer renderMu.Unlock()
		for _, line := range view.messages(sess.Messages()) {
			fmt.Fprintln(out, line)
		}
		if line, ok := view.typingLine(sess.TypingUsers()); ok {
			fmt.Fprintln(out, line)
		}
	}

	sess, err := session.New(session.Options{
		ConversationID:  conversationID,
		SelfID:          selfID,
		API:             client,
		Dispatcher:      dispatcher,
		Sender:          conn,
		Logger:          logger,
		Metrics:         collector,
		HistoryPageSize: cfg.History.PageSize,
		RequestTimeout:  cfg.API.Timeout,
		TypingIdle:      cfg.Typing.IdleTimeout,
		TypingExpiry:    cfg.Typing.Expiry,
		OnChange:        render,
	})
	if err != nil {
		return err
	}
	defer sess.Close()
	current.Store(sess)

	// messages missed while disconnected come back with the history page
	unsubState := conn.OnStateChange(func(c connection.StateChange) {
		switch {
		case c.To == connection.StateOpen:
			go func() {
				loadCtx, cancel := context.WithTimeout(ctx, cfg.API.Timeout)
				defer cancel()
				if err := sess.Load(loadCtx); err != nil && !errors.Is(err, session.ErrClosed) {
					logger.Warn("History resync failed", zap.Error(err))
				}
			}()
		case c.To == connection.StateIdle && c.Err != nil:
			fmt.Fprintf(out, "-- disconnected: %v\n", c.Err)
		case c.To == connection.StateReconnecting:
			fmt.Fprintf(out, "-- reconnecting in %s (attempt %d)\n", c.Delay, c.Attempt)
		}
	})
	defer unsubState()

	loadCtx, cancel := context.WithTimeout(ctx, cfg.API.Timeout)
	err = sess.Load(loadCtx)
	cancel()
	if err != nil {
		return err
	}
	sess.SetVisible(true)
	render()

	statusCtx, cancel := context.WithTimeout(ctx, cfg.API.Timeout)
	if err := client.UpdateOnlineStatus(statusCtx, true); err != nil {
		logger.Warn("Online status update failed", zap.Error(err))
	}
	cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if quit := handleLine(sess, line, out); quit {
				break loop
			}
		}
	}

	offlineCtx, cancel := context.WithTimeout(context.Background(), cfg.API.Timeout)
	defer cancel()
	if err := client.UpdateOnlineStatus(offlineCtx, false); err != nil {
		logger.Warn("Online status update failed", zap.Error(err))
	}

	if showStats {
		collector.PrintSummary(os.Stderr, metrics.SeriesSend, metrics.SeriesConnect, metrics.SeriesPong)
	}
	return nil
}

// handleLine runs one line of input and reports whether the user asked to
// leave.
func handleLine(sess *session.Session, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		sess.Keystroke()
		return false
	}

	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/retry", "/discard":
		if len(fields) != 2 {
			fmt.Fprintf(out, "usage: %s <id>\n", fields[0])
			return false
		}
		if fields[0] == "/retry" {
			err = sess.Retry(fields[1])
		} else {
			err = sess.Discard(fields[1])
		}
	default:
		// a line only arrives once typed, so typing starts and stops with it
		sess.Keystroke()
		_, err = sess.Send(line)
	}
	if err != nil {
		fmt.Fprintf(out, "-- %v\n", err)
	}
	return false
}
