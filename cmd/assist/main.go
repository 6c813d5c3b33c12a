// Command assist is a terminal client for the relay server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/MegaGrindStone/assist-relay/internal/ratelimit"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverFlag string

	// stream flags
	modelFlag   string
	apiKeyFlag  string
	historyFlag string

	// export flags
	formatFlag string
	outputFlag string

	// login flags
	tokenFlag string
)

var rootCmd = &cobra.Command{
	Use:   "assist",
	Short: "Terminal client for the ASSISTplus relay",
	Long: `assist talks to a running relay server.

Examples:
  assist stream "What is Go?"            Stream a reply to stdout
  assist stream -m gemini-2.0-flash "Hi" Stream from a specific model
  assist transcript                      Print the server-side transcript
  assist export --format html            Download the transcript
  assist login --token ya29...           Sign in with a Google access token`,
	SilenceUsage: true,
}

var streamCmd = &cobra.Command{
	Use:   "stream [prompt]",
	Short: "Stream a reply to a prompt",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := readPrompt(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		cm := models.ChannelMessage{
			Type:   models.ChannelTypeStream,
			Text:   prompt,
			Model:  models.ModelID(modelFlag),
			APIKey: apiKeyFlag,
		}
		if historyFlag != "" {
			if cm.History, err = readHistory(historyFlag); err != nil {
				return err
			}
		}

		if err := newClient(serverFlag).stream(cmd.Context(), cm, cmd.OutOrStdout()); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Print the server-side transcript",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var messages []models.Message
		if err := newClient(serverFlag).getJSON(cmd.Context(), "/transcript", &messages); err != nil {
			return err
		}
		for _, m := range messages {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n\n", m.Role, m.Text)
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the server-side transcript",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return newClient(serverFlag).delete(cmd.Context(), "/transcript")
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download the transcript as json or html",
	RunE: func(cmd *cobra.Command, _ []string) error {
		name, data, err := newClient(serverFlag).export(cmd.Context(), formatFlag)
		if err != nil {
			return err
		}
		if outputFlag != "" {
			name = outputFlag
		}
		if err := os.WriteFile(name, data, 0644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", name)
		return nil
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the server accepts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var infos []models.ModelInfo
		if err := newClient(serverFlag).getJSON(cmd.Context(), "/models", &infos); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, info := range infos {
			_, _ = fmt.Fprintf(tw, "%s\t%s\n", info.ID, info.Label)
		}
		return tw.Flush()
	},
}

var rateLimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Show the remaining prompt budget",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st ratelimit.Status
		if err := newClient(serverFlag).getJSON(cmd.Context(), "/ratelimit", &st); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), formatStatus(st))
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with a Google access token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var p models.Profile
		form := url.Values{"token": {tokenFlag}}
		if err := newClient(serverFlag).postForm(cmd.Context(), "/auth/login", form, &p); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s <%s>\n", p.Name, p.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return newClient(serverFlag).postForm(cmd.Context(), "/auth/logout", url.Values{}, nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "http://localhost:8080", "Relay server address")

	streamCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Model to use (e.g., gemini-2.0-flash)")
	streamCmd.Flags().StringVar(&apiKeyFlag, "api-key", os.Getenv("GEMINI_API_KEY"), "API key sent with the request")
	streamCmd.Flags().StringVar(&historyFlag, "history", "", "JSON file holding previous messages")

	exportCmd.Flags().StringVar(&formatFlag, "format", "json", "Export format (json, html)")
	exportCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Output file (default: server-suggested name)")

	loginCmd.Flags().StringVar(&tokenFlag, "token", "", "Google OAuth access token")
	_ = loginCmd.MarkFlagRequired("token")

	rootCmd.AddCommand(streamCmd, transcriptCmd, clearCmd, exportCmd, modelsCmd, rateLimitCmd, loginCmd, logoutCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// readPrompt takes the prompt from the argument, or from stdin when no argument is given.
func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("no prompt given")
	}
	return prompt, nil
}

func readHistory(path string) ([]models.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var history []models.Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("invalid history file: %w", err)
	}
	return history, nil
}

func formatStatus(st ratelimit.Status) string {
	if st.Remaining > 0 {
		return fmt.Sprintf("%d prompts remaining", st.Remaining)
	}
	return fmt.Sprintf("No prompts remaining, resets in %s", time.Duration(st.ResetInSeconds)*time.Second)
}
