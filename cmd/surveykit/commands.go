package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/surveykit/internal/config"
)

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// postAction sends body to path and reports success with msg.
func postAction(cmd *cobra.Command, path string, body any, msg string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	if noWait, _ := cmd.Flags().GetBool("no-wait"); noWait {
		path += "?wait=false"
	}

	resp, err := client.post(cmdContext(cmd), path, body)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	printSuccess("%s", msg)
	return nil
}

func addNoWait(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().Bool("no-wait", false, "return once the bridge accepted the call")
	}
}

// --- track ---

var trackCmd = &cobra.Command{
	Use:   "track <action>",
	Short: "Fire a code action",
	Long: `Fire a code action by key or name. Eligible surveys triggered by the
action are shown.

Examples:
  surveykit track signup
  surveykit track "Upgrade Clicked"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/track", map[string]string{"action": args[0]}, fmt.Sprintf("Tracked %s", args[0]))
	},
}

// --- attributes ---

var attrCmd = &cobra.Command{
	Use:   "attr",
	Short: "Manage person attributes",
}

var attrSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a person attribute",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		return postAction(cmd, "/attributes", map[string]string{"key": key, "value": value}, fmt.Sprintf("Set %s = %s", key, value))
	},
}

var emailCmd = &cobra.Command{
	Use:   "email <address>",
	Short: "Set the email attribute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/email", map[string]string{"email": args[0]}, fmt.Sprintf("Set email = %s", args[0]))
	},
}

var userCmd = &cobra.Command{
	Use:   "user <user-id>",
	Short: "Identify the person and resync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/user", map[string]string{"userId": args[0]}, fmt.Sprintf("Identified as %s", args[0]))
	},
}

func init() {
	attrCmd.AddCommand(attrSetCmd)
}

// --- navigation ---

var routeCmd = &cobra.Command{
	Use:   "route <url>",
	Short: "Report navigation to a URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/route", map[string]string{"url": args[0]}, fmt.Sprintf("Registered %s", args[0]))
	},
}

var clickCmd = &cobra.Command{
	Use:   "click",
	Short: "Report a click on a page element",
	Long: `Report a click. --html is the clicked element's outer HTML; --ancestor
adds the opening tag of an enclosing element, innermost first.

Examples:
  surveykit click --url https://example.com/pricing --html '<button id="buy">Buy</button>'
  surveykit click --url https://example.com --html '<a class="cta">Go</a>' --ancestor '<nav class="top">'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pageURL, _ := cmd.Flags().GetString("url")
		html, _ := cmd.Flags().GetString("html")
		ancestors, _ := cmd.Flags().GetStringArray("ancestor")
		if html == "" {
			return fmt.Errorf("--html is required")
		}
		body := map[string]any{"url": pageURL, "html": html}
		if len(ancestors) > 0 {
			body["ancestors"] = ancestors
		}
		return postAction(cmd, "/click", body, "Click reported")
	},
}

func init() {
	clickCmd.Flags().String("url", "", "URL of the page")
	clickCmd.Flags().String("html", "", "outer HTML of the clicked element")
	clickCmd.Flags().StringArray("ancestor", nil, "opening tag of an ancestor element (repeatable)")
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the person and all local survey data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/logout", nil, "Logged out")
	},
}

func init() {
	addNoWait(trackCmd, attrSetCmd, emailCmd, userCmd, routeCmd, clickCmd)
}

// --- survey ---

var surveyCmd = &cobra.Command{
	Use:   "survey",
	Short: "Inspect and answer the displayed survey",
}

var surveyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the displayed survey as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmdContext(cmd), "/survey/current")
		if err != nil {
			return err
		}

		var mount any
		if err := decodeJSON(resp, &mount); err != nil {
			return err
		}
		return printJSON(os.Stdout, mount)
	},
}

var surveyAnswerCmd = &cobra.Command{
	Use:   "answer <survey-id> <question-id> <value>",
	Short: "Answer a question of the displayed survey",
	Long: `Answer a question. The value is sent as JSON when it parses as JSON
(numbers, arrays, objects), otherwise as a string.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		surveyID, questionID := args[0], args[1]
		body := map[string]any{"questionId": questionID, "value": answerValue(args[2])}
		return postAction(cmd, "/survey/"+url.PathEscape(surveyID)+"/answer", body, fmt.Sprintf("Answered %s", questionID))
	},
}

var surveyCompleteCmd = &cobra.Command{
	Use:   "complete <survey-id>",
	Short: "Finish the displayed survey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/survey/"+url.PathEscape(args[0])+"/complete", nil, fmt.Sprintf("Completed %s", args[0]))
	},
}

var surveyDismissCmd = &cobra.Command{
	Use:   "dismiss <survey-id>",
	Short: "Close the displayed survey without finishing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAction(cmd, "/survey/"+url.PathEscape(args[0])+"/dismiss", nil, fmt.Sprintf("Dismissed %s", args[0]))
	},
}

func answerValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func init() {
	surveyCmd.AddCommand(surveyShowCmd, surveyAnswerCmd, surveyCompleteCmd, surveyDismissCmd)
}

// --- displays ---

type displayEntry struct {
	ID          string `json:"id"`
	SurveyID    string `json:"surveyId"`
	AttemptID   string `json:"attemptId"`
	DisplayedAt string `json:"displayedAt"`
}

var displaysCmd = &cobra.Command{
	Use:   "displays",
	Short: "List recent survey displays",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmdContext(cmd), fmt.Sprintf("/displays?limit=%d", limit))
		if err != nil {
			return err
		}

		var displays []displayEntry
		if err := decodeJSON(resp, &displays); err != nil {
			return err
		}

		if len(displays) == 0 {
			fmt.Println("No displays recorded.")
			return nil
		}
		for _, d := range displays {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, shortID(d.AttemptID)),
				d.DisplayedAt,
				d.SurveyID,
			)
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	displaysCmd.Flags().Int("limit", 20, "maximum number of displays to list")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			printWarning("valid keys: %v", config.ValidKeys())
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
