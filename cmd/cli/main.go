package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	language  string
	wait      bool
	pollEvery time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "runbox-cli",
		Short: "CLI client for runbox",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("RUNBOX_API_KEY"), "API key")

	createCmd := &cobra.Command{
		Use:   "create [code]",
		Short: "Create a session (code from arg, file, or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCreate,
	}
	createCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, node, bash)")
	root.AddCommand(createCmd)

	runCmd := &cobra.Command{
		Use:   "run [session-id]",
		Short: "Run a session's code asynchronously",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the execution reaches a terminal state")
	runCmd.Flags().DurationVar(&pollEvery, "poll-interval", 500*time.Millisecond, "Polling interval with --wait")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "exec [execution-id]",
		Short: "Show an execution's status and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/executions/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/sessions/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/sessions")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "history [session-id]",
		Short: "List a session's executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/sessions/" + args[0] + "/executions")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "archive [session-id]",
		Short: "Archive a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			_, err := postJSON("/sessions/"+args[0]+"/archive", nil, true)
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/health")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCreate(_ *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		if data, err := os.ReadFile(args[0]); err == nil {
			code = string(data)
		} else {
			code = args[0]
		}
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	payload := map[string]any{"language": language, "code": code}
	_, err := postJSON("/sessions", payload, true)
	return err
}

func runRun(_ *cobra.Command, args []string) error {
	result, err := postJSON("/sessions/"+args[0]+"/run", nil, !wait)
	if err != nil {
		return err
	}

	if !wait {
		return nil
	}

	execID, ok := result["execution_id"].(string)
	if !ok || execID == "" {
		return fmt.Errorf("no execution_id in response")
	}

	for {
		time.Sleep(pollEvery)

		resp, err := doRequest("GET", "/executions/"+execID, nil)
		if err != nil {
			return err
		}
		var exec map[string]any
		err = json.NewDecoder(resp.Body).Decode(&exec)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		status, _ := exec["status"].(string)
		switch status {
		case "COMPLETED", "FAILED", "TIMEOUT":
			printJSON(exec)
			return nil
		case "QUEUED", "RUNNING":
			continue
		default:
			printJSON(exec)
			return fmt.Errorf("unexpected status %q", status)
		}
	}
}

func doRequest(method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func postJSON(path string, payload any, print bool) (map[string]any, error) {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}

	resp, err := doRequest("POST", path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if print {
		printJSON(result)
	}
	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return result, nil
}

func getJSON(path string) error {
	resp, err := doRequest("GET", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
