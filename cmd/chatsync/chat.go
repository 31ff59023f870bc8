package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/campusline/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyPages int
	historyLimit int
	historyJSON  bool

	// send
	sendReplyTo string
	sendFiles   []string
	sendJSON    bool

	// tail
	tailMembers     string
	tailGroup       bool
	tailMetricsAddr string
	tailInput       bool
)

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print the most recent messages of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		client := newClient(cfg)

		var all []chatsync.Message
		for page := 1; page <= historyPages; page++ {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			res, err := client.FetchMessages(ctx, chatID, page, historyLimit)
			cancel()
			if err != nil {
				if page == 1 {
					return fmt.Errorf("request failed: %w", err)
				}
				fmt.Fprintf(os.Stderr, "page %d: %v\n", page, err)
				break
			}
			all = append(all, res.Messages...)
			more := len(res.Messages) >= historyLimit
			if res.HasMore != nil {
				more = *res.HasMore
			}
			if !more {
				break
			}
		}
		sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

		if historyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		}
		if len(all) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range all {
			fmt.Println(formatMessage(m))
		}
		fmt.Printf("%s messages\n", humanize.Comma(int64(len(all))))
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> [text]",
	Short: "Send a message, optionally with attachments",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		cfg, err := requireAuth()
		if err != nil {
			return err
		}

		req := chatsync.SendRequest{ReplyTo: sendReplyTo}
		if len(args) == 2 {
			req.Text = args[1]
		}
		for _, path := range sendFiles {
			f, err := readFile(path)
			if err != nil {
				return err
			}
			req.Files = append(req.Files, f)
		}

		cache, err := openCache(cfg)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer cache.Close()

		sess, err := chatsync.NewSession(chatsync.SessionConfig{
			Chat:     chatsync.Chat{ID: chatID},
			UserID:   cfg.Auth.UserID,
			UserName: cfg.Auth.UserName,
			Token:    cfg.Auth.Token,
			Client:   newClient(cfg),
			Cache:    cache,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m, err := sess.SendMessage(ctx, req)
		if err != nil {
			logger.Debug("send_failed", zap.Error(err))
			return errors.New(chatsync.UserMessage(err))
		}

		if sendJSON {
			return json.NewEncoder(os.Stdout).Encode(m)
		}
		fmt.Printf("Message sent to %s\n", chatID)
		fmt.Printf("  Message ID: %s\n", m.ID)
		if m.Content != "" {
			fmt.Printf("  Content:    %s\n", m.Content)
		}
		for _, a := range m.Attachments {
			fmt.Printf("  Attachment: %s (%s)\n", a.URL, humanize.Bytes(uint64(a.Size)))
		}
		return nil
	},
}

func readFile(path string) (chatsync.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chatsync.File{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	return chatsync.File{Name: filepath.Base(path), MimeType: mt, Data: data}, nil
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <chat-id>",
	Short: "Follow a chat live until interrupted",
	Long:  "Open a chat session, print new messages and typing updates, and send each line typed on stdin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		cfg, err := requireAuth()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *chatsync.Metrics
		if tailMetricsAddr != "" {
			metrics = chatsync.NewMetrics(prometheus.DefaultRegisterer)
			srv := &http.Server{Addr: tailMetricsAddr, Handler: promhttp.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics_server_failed", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		cache, err := openCache(cfg)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer cache.Close()

		kind := chatsync.ChatDirect
		if tailGroup {
			kind = chatsync.ChatGroup
		}
		members := splitList(tailMembers)
		sess, err := chatsync.NewSession(chatsync.SessionConfig{
			Chat:      chatsync.Chat{ID: chatID, Kind: kind, Participants: append([]string{cfg.Auth.UserID}, members...)},
			UserID:    cfg.Auth.UserID,
			UserName:  cfg.Auth.UserName,
			Token:     cfg.Auth.Token,
			Client:    newClient(cfg),
			SocketURL: cfg.Default.SocketURL,
			Cache:     cache,
			Logger:    logger,
			Metrics:   metrics,
		})
		if err != nil {
			return err
		}
		defer sess.Close()

		p := &tailPrinter{sess: sess, seen: make(map[string]bool)}
		sess.OnChange(p.refresh)
		sess.OnMembership(func(f *chatsync.MembershipFrame) {
			fmt.Printf("* %s %s\n", f.Event, strings.Join(f.UserIDs, ", "))
		})

		res, err := sess.Open(ctx)
		if err != nil {
			return err
		}
		if res.FromCache {
			fmt.Fprintf(os.Stderr, "offline: showing cached messages (%v)\n", res.Err)
		}
		p.refresh()
		fmt.Fprintln(os.Stderr, sess.DebugState())

		if tailInput {
			go p.readInput(ctx, os.Stdin)
		}
		<-ctx.Done()
		return nil
	},
}

// tailPrinter prints timeline and typing changes once each.
type tailPrinter struct {
	sess *chatsync.Session

	mu     sync.Mutex
	seen   map[string]bool
	typing string
}

func (p *tailPrinter) refresh() {
	msgs := p.sess.Messages()
	typers := p.sess.Typers()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.ID == "" {
			continue
		}
		key := m.ID
		if m.Revoked {
			key += "#revoked"
		}
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		fmt.Println(formatMessage(m))
	}

	ids := make([]string, 0, len(typers))
	for _, t := range typers {
		ids = append(ids, t.UserID)
	}
	line := strings.Join(ids, ", ")
	if line != p.typing {
		p.typing = line
		if line == "" {
			fmt.Println("* nobody is typing")
		} else {
			fmt.Printf("* %s typing...\n", line)
		}
	}
}

func (p *tailPrinter) readInput(ctx context.Context, in *os.File) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		text := sc.Text()
		p.sess.EmitTyping(text)
		if strings.TrimSpace(text) == "" {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := p.sess.SendMessage(sctx, chatsync.SendRequest{Text: text})
		cancel()
		if err != nil {
			fmt.Fprintln(os.Stderr, chatsync.UserMessage(err))
		}
	}
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of pages to fetch")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultPageSize, "Messages per page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Id of the message to reply to")
	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "Attach a file (repeatable)")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	tailCmd.Flags().StringVar(&tailMembers, "members", "", "Comma-separated ids of the other participants")
	tailCmd.Flags().BoolVar(&tailGroup, "group", false, "Treat the chat as a group chat")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	tailCmd.Flags().BoolVar(&tailInput, "input", true, "Send lines read from stdin")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tailCmd)
}
