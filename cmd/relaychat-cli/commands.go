package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaychat/internal/chatclient"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func sendCmd() *cobra.Command {
	var channel string
	var viaRelay bool
	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send a message to the team",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := requireTeam()
			if err != nil {
				return err
			}
			user, err := requireUser()
			if err != nil {
				return err
			}
			msg := chatclient.OutgoingMessage{User: user, Message: strings.Join(args, " ")}
			if channel != "" {
				msg.Channel = &channel
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			client := newClient()
			if viaRelay {
				return client.SendFrame(ctx, team, msg)
			}
			result, err := client.Send(ctx, team, msg)
			if err != nil {
				return err
			}
			return printMessage(cmd.OutOrStdout(), result.Message)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel tag for the message")
	cmd.Flags().BoolVar(&viaRelay, "relay", false, "send over the relay connection instead of HTTP")
	return cmd
}

func unreadCmd() *cobra.Command {
	var opts chatclient.UnreadOptions
	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Print messages you have not seen yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := requireTeam()
			if err != nil {
				return err
			}
			user, err := requireUser()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			messages, err := newClient().Unread(ctx, team, user, opts)
			if err != nil {
				return err
			}
			return printMessages(cmd.OutOrStdout(), messages)
		},
	}
	addUnreadFlags(cmd, &opts)
	return cmd
}

func addUnreadFlags(cmd *cobra.Command, opts *chatclient.UnreadOptions) {
	cmd.Flags().IntVar(&opts.Limit, "limit", relaychat.DefaultQueryLimit, "maximum messages to return")
	cmd.Flags().BoolVar(&opts.MentionOnly, "mention-only", false, "only messages containing @")
	cmd.Flags().BoolVar(&opts.DMOnly, "dm-only", false, "only messages without a channel")
	cmd.Flags().StringVar(&opts.ContentRegex, "regex", "", "only messages matching this pattern")
	cmd.Flags().StringSliceVar(&opts.Channels, "channel", nil, "only these channels (untagged counts as general)")
}

func queryCmd() *cobra.Command {
	var (
		from     string
		channels []string
		sinceID  int64
		sortDir  string
		limit    int
		regex    string
		mention  bool
		dmOnly   bool
		withUser bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a filtered query over the team log",
		Long: `Run a filtered query over the team log.

Without --channel the query matches channel "general" literally, so
messages sent without a channel are not returned. Pass --as-user to read
and advance your unread cursor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := requireTeam()
			if err != nil {
				return err
			}
			req := relaychat.QueryRequest{
				Sender:       from,
				Channels:     channels,
				ContentRegex: regex,
				MentionOnly:  mention,
				DMOnly:       dmOnly,
				Sort:         sortDir,
				Limit:        limit,
			}
			if cmd.Flags().Changed("since-id") {
				req.SinceID = &sinceID
			}
			if withUser {
				user, err := requireUser()
				if err != nil {
					return err
				}
				req.User = user
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			messages, err := newClient().Query(ctx, team, req)
			if err != nil {
				return err
			}
			return printMessages(cmd.OutOrStdout(), messages)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "only messages from this sender")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "channels to match (default general)")
	cmd.Flags().Int64Var(&sinceID, "since-id", 0, "only messages with a greater id")
	cmd.Flags().StringVar(&sortDir, "sort", relaychat.SortAsc, "asc or desc")
	cmd.Flags().IntVar(&limit, "limit", relaychat.DefaultQueryLimit, "maximum messages to return")
	cmd.Flags().StringVar(&regex, "regex", "", "only messages matching this pattern")
	cmd.Flags().BoolVar(&mention, "mention-only", false, "only messages containing @")
	cmd.Flags().BoolVar(&dmOnly, "dm-only", false, "only messages without a channel")
	cmd.Flags().BoolVar(&withUser, "as-user", false, "use and advance --user's cursor")
	return cmd
}

func waitCmd() *cobra.Command {
	var (
		opts    chatclient.UnreadOptions
		timeout time.Duration
		follow  bool
		backoff time.Duration
		jitter  float64
	)
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until unread messages arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := requireTeam()
			if err != nil {
				return err
			}
			user, err := requireUser()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			client := newClient()

			if !follow {
				messages, err := client.Wait(ctx, team, user, timeout, opts)
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), messages)
			}

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for {
				messages, err := client.Wait(ctx, team, user, timeout, opts)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "wait failed: %v\n", err)
					timer := time.NewTimer(jitteredIntervalWithSample(backoff, jitter, rng.Float64()))
					select {
					case <-ctx.Done():
						timer.Stop()
						return nil
					case <-timer.C:
					}
					continue
				}
				if err := printMessages(cmd.OutOrStdout(), messages); err != nil {
					return err
				}
			}
		},
	}
	addUnreadFlags(cmd, &opts)
	cmd.Flags().DurationVar(&timeout, "timeout", durationEnv("RELAYCHAT_WAIT_TIMEOUT", 30*time.Second), "how long the server holds the poll")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep waiting and print messages as they arrive")
	cmd.Flags().DurationVar(&backoff, "retry-interval", 2*time.Second, "delay before retrying a failed wait in --follow mode")
	cmd.Flags().Float64Var(&jitter, "retry-jitter", floatEnv("RELAYCHAT_RETRY_JITTER", 0.2), "retry interval jitter ratio (0.0-1.0)")
	return cmd
}

func listenCmd() *cobra.Command {
	var interactive bool
	var channel string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream every frame relayed to the team",
		Long: `Stream every frame relayed to the team.

With --stdin each input line is sent to the team as a message from --user.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			team, err := requireTeam()
			if err != nil {
				return err
			}
			user := strings.TrimSpace(flagUser)
			if interactive && user == "" {
				return fmt.Errorf("user is required with --stdin (--user or RELAYCHAT_USER)")
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			session, err := newClient().Connect(ctx, team)
			if err != nil {
				return err
			}
			defer session.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				for {
					frame, err := session.Next(gctx)
					if err != nil {
						if gctx.Err() != nil {
							return nil
						}
						return err
					}
					if err := printFrame(cmd.OutOrStdout(), frame); err != nil {
						return err
					}
				}
			})
			if interactive {
				g.Go(func() error {
					return sendLines(gctx, session, cmd.InOrStdin(), user, channel)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&interactive, "stdin", false, "send lines read from stdin")
	cmd.Flags().StringVar(&channel, "channel", "", "channel tag for messages sent with --stdin")
	return cmd
}

// sendLines sends each non-empty line of in as a message. It returns when
// in is exhausted or ctx is done.
func sendLines(ctx context.Context, session *chatclient.Session, in io.Reader, user, channel string) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg := chatclient.OutgoingMessage{User: user, Message: line}
		if channel != "" {
			msg.Channel = &channel
		}
		if err := session.Send(ctx, msg); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func teamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "teams",
		Short: "Show per-team relay statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			teams, err := newClient().Teams(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return json.NewEncoder(out).Encode(teams)
			}
			for _, team := range teams {
				if _, err := fmt.Fprintf(out, "%s\tmessages=%d\tlast_id=%d\tconnections=%d\treaders=%d\n",
					team.TeamID, team.MessageCount, team.LastMessageID, team.Connections, team.Readers); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
