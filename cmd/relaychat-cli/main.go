package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaychat/internal/chatclient"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

var (
	flagBaseURL string
	flagTeam    string
	flagUser    string
	flagJSON    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relaychat-cli",
		Short: "Talk to a relaychat server",
		Long: `relaychat-cli sends and reads team chat messages on a relaychat server.

Flags default from RELAYCHAT_URL, TEAM_ID and RELAYCHAT_USER so agents can
run it without arguments inside a configured workspace.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "url", envOrDefault("RELAYCHAT_URL", "http://127.0.0.1:8787"), "relaychat base URL (or RELAYCHAT_URL)")
	rootCmd.PersistentFlags().StringVar(&flagTeam, "team", strings.TrimSpace(os.Getenv("TEAM_ID")), "team id (or TEAM_ID)")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", strings.TrimSpace(os.Getenv("RELAYCHAT_USER")), "participant name (or RELAYCHAT_USER)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print messages as JSON lines")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(unreadCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(waitCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(teamsCmd())
	return rootCmd
}

func newClient() *chatclient.Client {
	return chatclient.New(flagBaseURL, nil)
}

func requireTeam() (string, error) {
	team := strings.TrimSpace(flagTeam)
	if team == "" {
		return "", fmt.Errorf("team is required (--team or TEAM_ID)")
	}
	return team, nil
}

func requireUser() (string, error) {
	user := strings.TrimSpace(flagUser)
	if user == "" {
		return "", fmt.Errorf("user is required (--user or RELAYCHAT_USER)")
	}
	return user, nil
}

func printMessages(w io.Writer, messages []relaychat.Message) error {
	for _, msg := range messages {
		if err := printMessage(w, msg); err != nil {
			return err
		}
	}
	return nil
}

func printMessage(w io.Writer, msg relaychat.Message) error {
	if flagJSON {
		return json.NewEncoder(w).Encode(msg)
	}
	channel := ""
	if msg.Channel != nil {
		channel = "#" + *msg.Channel + " "
	}
	_, err := fmt.Fprintf(w, "[%d] %s %s%s: %s\n", msg.ID, msg.Timestamp.Format(time.RFC3339), channel, msg.Sender, msg.Body)
	return err
}

// printFrame prints a relayed frame. Frames are shown verbatim in JSON mode
// and summarized otherwise.
func printFrame(w io.Writer, frame json.RawMessage) error {
	if flagJSON {
		_, err := fmt.Fprintf(w, "%s\n", frame)
		return err
	}
	var fields struct {
		User    string  `json:"user"`
		Message string  `json:"message"`
		Channel *string `json:"channel"`
	}
	if err := json.Unmarshal(frame, &fields); err != nil {
		_, err = fmt.Fprintf(w, "%s\n", frame)
		return err
	}
	channel := ""
	if fields.Channel != nil {
		channel = "#" + *fields.Channel + " "
	}
	_, err := fmt.Fprintf(w, "%s%s: %s\n", channel, fields.User, fields.Message)
	return err
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
