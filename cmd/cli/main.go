package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	apiKey      string
	odooVersion int
	artifactURL string
	specFile    string
	quick       bool
	minutes     int
	fixAttempts int
)

func main() {
	root := &cobra.Command{
		Use:   "omb-cli",
		Short: "CLI client for omb-test-runner",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8001", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("OMB_API_KEY"), "API key")

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Manage automated test sessions",
	}

	testStartCmd := &cobra.Command{
		Use:   "start [module-name] [artifact-url]",
		Short: "Start a test session for a module",
		Args:  cobra.ExactArgs(2),
		RunE:  runTestStart,
	}
	testStartCmd.Flags().IntVar(&odooVersion, "odoo-version", 17, "Odoo major version (16, 17, 18)")
	testStartCmd.Flags().StringVar(&specFile, "spec", "", "File with the module specification text")
	testStartCmd.Flags().BoolVar(&quick, "quick", false, "Generate a smoke suite instead of a full one")
	testCmd.AddCommand(testStartCmd)

	testCmd.AddCommand(&cobra.Command{
		Use:   "status [session-id]",
		Short: "Show test session progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return get("/test/status/" + args[0])
		},
	})

	testCmd.AddCommand(&cobra.Command{
		Use:   "results [session-id]",
		Short: "Fetch results of a finished test session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return get("/test/results/" + args[0])
		},
	})

	testCmd.AddCommand(&cobra.Command{
		Use:   "stop [session-id]",
		Short: "Stop a running test session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return post("/test/stop/"+args[0], nil)
		},
	})
	root.AddCommand(testCmd)

	uatCmd := &cobra.Command{
		Use:   "uat",
		Short: "Manage acceptance review sessions",
	}

	uatStartCmd := &cobra.Command{
		Use:   "start [module-name] [artifact-url]",
		Short: "Start a reviewable environment behind a public tunnel",
		Args:  cobra.ExactArgs(2),
		RunE:  runUATStart,
	}
	uatStartCmd.Flags().IntVar(&odooVersion, "odoo-version", 17, "Odoo major version (16, 17, 18)")
	uatCmd.AddCommand(uatStartCmd)

	uatCmd.AddCommand(&cobra.Command{
		Use:   "session [session-id]",
		Short: "Show an acceptance session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return get("/uat/session/" + args[0])
		},
	})

	uatExtendCmd := &cobra.Command{
		Use:   "extend [session-id]",
		Short: "Extend an acceptance session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return post(fmt.Sprintf("/uat/extend/%s?additional_minutes=%d", args[0], minutes), nil)
		},
	}
	uatExtendCmd.Flags().IntVar(&minutes, "minutes", 30, "Minutes to add")
	uatCmd.AddCommand(uatExtendCmd)

	uatCmd.AddCommand(&cobra.Command{
		Use:   "stop [session-id]",
		Short: "Stop an acceptance session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return post("/uat/stop/"+args[0], nil)
		},
	})

	uatCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List acceptance sessions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/uat/sessions")
		},
	})
	root.AddCommand(uatCmd)

	priceCmd := &cobra.Command{
		Use:   "price [bundle-dir]",
		Short: "Price a module bundle from local files",
		Args:  cobra.ExactArgs(1),
		RunE:  runPrice,
	}
	priceCmd.Flags().StringVar(&specFile, "spec", "", "File with the module specification text")
	priceCmd.Flags().IntVar(&fixAttempts, "fix-attempts", 0, "Number of fix rounds already spent")
	root.AddCommand(priceCmd)

	root.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "List recorded session history",
		RunE: func(_ *cobra.Command, _ []string) error {
			return get("/sessions")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTestStart(_ *cobra.Command, args []string) error {
	payload := map[string]any{
		"module_name":  args[0],
		"artifact_url": args[1],
		"odoo_version": odooVersion,
		"quick_mode":   quick,
	}
	if specFile != "" {
		data, err := os.ReadFile(specFile)
		if err != nil {
			return fmt.Errorf("reading spec file: %w", err)
		}
		payload["specification"] = string(data)
	}
	return post("/test/start", payload)
}

func runUATStart(_ *cobra.Command, args []string) error {
	return post("/uat/start", map[string]any{
		"module_name":  args[0],
		"artifact_url": args[1],
		"odoo_version": odooVersion,
	})
}

func runPrice(_ *cobra.Command, args []string) error {
	files := map[string]string{}
	err := filepath.WalkDir(args[0], func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch filepath.Ext(path) {
		case ".py", ".xml", ".csv", ".js", ".css", ".scss":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(args[0], path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}

	payload := map[string]any{
		"files":        files,
		"fix_attempts": fixAttempts,
	}
	if specFile != "" {
		data, err := os.ReadFile(specFile)
		if err != nil {
			return fmt.Errorf("reading spec file: %w", err)
		}
		payload["specification"] = string(data)
	}
	return post("/pricing/calculate", payload)
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func post(path string, payload map[string]any) error {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req)
}

func get(path string) error {
	req, err := http.NewRequest("GET", serverURL+path, nil)
	if err != nil {
		return err
	}
	return do(req)
}

func do(req *http.Request) error {
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}
