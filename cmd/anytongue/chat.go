package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	chatsync "github.com/anytongue/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chats
	chatsUnread bool
	chatsJSON   bool

	// history
	historyPages int
	historyJSON  bool

	// send
	sendJSON bool

	// watch
	watchMetricsAddr string
)

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := s.engine.RefreshConversations(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		convs := s.engine.Conversations()
		if chatsUnread {
			kept := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					kept = append(kept, c)
				}
			}
			convs = kept
		}

		if chatsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = fmt.Sprintf("  %s, %s", c.LastMessage.Text, c.LastMessage.Relative)
			}
			fmt.Printf("  %s: %s%s%s\n", c.ID, c.DisplayName, unread, preview)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show conversation history in your language",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.engine.Open(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for i := 1; i < historyPages; i++ {
			err := s.engine.LoadMore(ctx)
			if errors.Is(err, chatsync.ErrNoMorePages) {
				break
			}
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		entries := s.engine.Messages(id)
		if historyJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, e := range entries {
			fmt.Println(formatEntry(e))
		}
		if s.engine.Cursor(id).HasMore {
			fmt.Printf("(older messages available, use --pages %d)\n", historyPages+1)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, text := args[0], strings.Join(args[1:], " ")
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := s.engine.SendTo(ctx, id, text)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		if t, ok := msg.Translations[s.cfg.Auth.Language]; ok && t != "" && t != msg.OriginalText {
			fmt.Printf("  (%s: %s)\n", s.cfg.Auth.Language, t)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live and send lines from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := serveMetrics(s, watchMetricsAddr)
			defer srv.Close()
		}

		printer := newEntryPrinter()
		s.engine.On(chatsync.EventMessagesChanged, func(_ string, payload any) {
			if conv, _ := payload.(string); conv == id {
				printer.print(s.engine.Messages(id))
			}
		})
		s.engine.On(chatsync.EventSendFailed, func(_ string, payload any) {
			if se, ok := payload.(*chatsync.SendError); ok {
				fmt.Fprintf(os.Stderr, "! not sent: %q: %v\n", se.Text, se.Err)
			}
		})
		s.engine.On(chatsync.EventConnectivityDegraded, func(string, any) {
			fmt.Fprintln(os.Stderr, "! realtime unavailable, falling back to polling")
		})

		if err := s.engine.Start(ctx); err != nil {
			s.log.Warn("realtime_start_failed", zap.Error(err))
		}
		if err := s.engine.Open(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Watching. Type a line and press enter to send, Ctrl-C to quit.")

		lines := make(chan string)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
				_, err := s.engine.Send(sendCtx, line)
				cancel()
				if err != nil && !errors.As(err, new(*chatsync.SendError)) {
					fmt.Fprintf(os.Stderr, "! %v\n", err)
				}
			}
		}
	},
}

// entryPrinter prints confirmed entries it has not printed before.
type entryPrinter struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newEntryPrinter() *entryPrinter {
	return &entryPrinter{seen: make(map[string]bool)}
}

func (p *entryPrinter) print(entries []chatsync.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if e.DeliveryState != chatsync.DeliveryConfirmed || p.seen[e.ID] {
			continue
		}
		p.seen[e.ID] = true
		fmt.Println(formatEntry(e))
	}
}

func serveMetrics(s *session, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics_server_failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	s.log.Info("metrics_server_started", zap.String("addr", addr))
	return srv
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatsCmd.Flags().BoolVar(&chatsUnread, "unread", false, "Show only conversations with unread messages")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyPages, "pages", "p", 1, "Number of pages to load")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(chatsCmd, historyCmd, sendCmd, watchCmd)
}
