package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"topology-coordinator/internal/auth"
	"topology-coordinator/internal/config"
	"topology-coordinator/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	apiBaseURL string
	apiToken   string
	verbose    bool
	timeout    int
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "topoctl",
		Short:         "Topology fleet CLI",
		Long:          "Command-line interface for registering topologies and steering the worker fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api-url", "http://localhost:8080", "API server base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("TOPO_TOKEN"), "Bearer token (defaults to $TOPO_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 30, "Request timeout in seconds")

	rootCmd.AddCommand(
		createTopologyCommands(),
		createWorkerCommands(),
		createFleetCommands(),
		createTokenCommand(),
	)
	return rootCmd
}

func createTopologyCommands() *cobra.Command {
	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Topology management commands",
	}

	registerCmd := &cobra.Command{
		Use:   "register [config-json | @file]",
		Short: "Register or update a topology",
		Args:  cobra.ExactArgs(1),
		RunE:  registerTopology,
	}
	registerCmd.Flags().String("uuid", "", "Topology UUID (generated when empty)")
	registerCmd.Flags().Float64("weight", types.DefaultTopologyWeight, "Relative load of the topology")
	registerCmd.Flags().StringSlice("affinity", nil, "Preferred workers")
	registerCmd.Flags().Bool("disabled", false, "Register without scheduling")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List topologies",
		RunE:  listTopologies,
	}
	listCmd.Flags().String("status", "", "Filter by status")
	listCmd.Flags().String("worker", "", "Filter by assigned worker")

	getCmd := &cobra.Command{
		Use:   "get [uuid]",
		Short: "Show a topology with its definition",
		Args:  cobra.ExactArgs(1),
		RunE:  getTopology,
	}

	enableCmd := &cobra.Command{
		Use:   "enable [uuid]",
		Short: "Enable a topology",
		Args:  cobra.ExactArgs(1),
		RunE:  topologyAction("enable"),
	}

	disableCmd := &cobra.Command{
		Use:   "disable [uuid]",
		Short: "Disable a topology; its worker will stop it",
		Args:  cobra.ExactArgs(1),
		RunE:  topologyAction("disable"),
	}

	clearCmd := &cobra.Command{
		Use:   "clear-error [uuid]",
		Short: "Retry a topology that is in error",
		Args:  cobra.ExactArgs(1),
		RunE:  topologyAction("clear-error"),
	}

	topologyCmd.AddCommand(registerCmd, listCmd, getCmd, enableCmd, disableCmd, clearCmd)
	return topologyCmd
}

func createWorkerCommands() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker management commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE:  listWorkers,
	}

	sendCmd := &cobra.Command{
		Use:   "send [worker] [cmd] [content-json]",
		Short: "Send a command to a worker mailbox",
		Long:  "Send a command such as set_disabled, set_enabled, shutdown or stop_topologies to a worker mailbox",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  sendWorkerCommand,
	}

	workerCmd.AddCommand(listCmd, sendCmd)
	return workerCmd
}

func createFleetCommands() *cobra.Command {
	fleetCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet-wide commands",
	}

	leaderCmd := &cobra.Command{
		Use:   "leader",
		Short: "Show the current leader",
		RunE:  getLeader,
	}

	rebalanceCmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Ask the leader to rebalance now",
		RunE:  requestRebalance,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check API and storage health",
		RunE:  checkHealth,
	}

	fleetCmd.AddCommand(leaderCmd, rebalanceCmd, healthCmd)
	return fleetCmd
}

func createTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token with the locally configured JWT secret",
		RunE:  mintToken,
	}
	tokenCmd.Flags().String("user", "", "User id to put in the token")
	tokenCmd.Flags().StringSlice("role", []string{auth.RoleViewer}, "Roles (admin, operator, viewer)")
	tokenCmd.Flags().String("config", "", "Config file; defaults to ./configs/config.yaml")
	_ = tokenCmd.MarkFlagRequired("user")
	return tokenCmd
}

func registerTopology(cmd *cobra.Command, args []string) error {
	definition, err := readDefinition(args[0])
	if err != nil {
		return err
	}

	id, _ := cmd.Flags().GetString("uuid")
	weight, _ := cmd.Flags().GetFloat64("weight")
	affinity, _ := cmd.Flags().GetStringSlice("affinity")
	disabled, _ := cmd.Flags().GetBool("disabled")

	request := types.TopologyRegistration{
		UUID:           id,
		Config:         definition,
		Weight:         weight,
		WorkerAffinity: affinity,
		Enabled:        !disabled,
	}

	response, err := makeAPIRequest(http.MethodPost, "/api/v1/topologies", request)
	if err != nil {
		return err
	}

	if verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "Response: %s\n", response)
		return nil
	}
	var created map[string]string
	if err := json.Unmarshal(response, &created); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Topology registered: %s\n", created["uuid"])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Topology registered: %s\n", response)
	}
	return nil
}

// readDefinition accepts inline JSON or @path
func readDefinition(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to read topology config: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("topology config is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func listTopologies(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	worker, _ := cmd.Flags().GetString("worker")

	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if worker != "" {
		query.Set("worker", worker)
	}
	endpoint := "/api/v1/topologies"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	response, err := makeAPIRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	if verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "Response: %s\n", response)
		return nil
	}
	var result types.TopologyListResponse
	if err := json.Unmarshal(response, &result); err != nil {
		return fmt.Errorf("failed to decode topologies: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Found %d topologies:\n\n", result.Total)
	for _, t := range result.Topologies {
		line := fmt.Sprintf("UUID: %s | Status: %s | Worker: %s | Enabled: %t | Weight: %g",
			t.UUID, t.Status, orDash(t.Worker), t.Enabled, t.EffectiveWeight())
		if t.Error != "" {
			line += " | Error: " + t.Error
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func getTopology(cmd *cobra.Command, args []string) error {
	response, err := makeAPIRequest(http.MethodGet, "/api/v1/topologies/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, response, "", "  "); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", response)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}

func topologyAction(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		response, err := makeAPIRequest(http.MethodPost, "/api/v1/topologies/"+url.PathEscape(args[0])+"/"+action, nil)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Topology %s: %s done\n", args[0], action)
		if verbose {
			fmt.Fprintf(cmd.OutOrStdout(), "Response: %s\n", response)
		}
		return nil
	}
}

func listWorkers(cmd *cobra.Command, args []string) error {
	response, err := makeAPIRequest(http.MethodGet, "/api/v1/workers", nil)
	if err != nil {
		return err
	}

	if verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "Response: %s\n", response)
		return nil
	}
	var result types.WorkerListResponse
	if err := json.Unmarshal(response, &result); err != nil {
		return fmt.Errorf("failed to decode workers: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Found %d workers:\n\n", result.Total)
	for _, w := range result.Workers {
		fmt.Fprintf(cmd.OutOrStdout(), "Name: %s | Status: %s | Leadership: %s | Last Ping: %s\n",
			w.Name, w.Status, w.LStatus, w.LastPing.Format(time.RFC3339))
	}
	return nil
}

func sendWorkerCommand(cmd *cobra.Command, args []string) error {
	request := types.WorkerCommandRequest{Cmd: types.Command(args[1])}
	if !request.Cmd.Valid() {
		return fmt.Errorf("unknown command: %s", args[1])
	}
	if len(args) == 3 {
		content, err := readDefinition(args[2])
		if err != nil {
			return err
		}
		request.Content = content
	}

	if _, err := makeAPIRequest(http.MethodPost, "/api/v1/workers/"+url.PathEscape(args[0])+"/commands", request); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Command %s sent to %s\n", request.Cmd, args[0])
	return nil
}

func getLeader(cmd *cobra.Command, args []string) error {
	response, err := makeAPIRequest(http.MethodGet, "/api/v1/leader", nil)
	if err != nil {
		return err
	}

	var leader types.WorkerRecord
	if err := json.Unmarshal(response, &leader); err != nil {
		return fmt.Errorf("failed to decode leader: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Leader: %s (last ping %s)\n", leader.Name, leader.LastPing.Format(time.RFC3339))
	return nil
}

func requestRebalance(cmd *cobra.Command, args []string) error {
	response, err := makeAPIRequest(http.MethodPost, "/api/v1/rebalance", nil)
	if err != nil {
		return err
	}

	var result map[string]string
	if err := json.Unmarshal(response, &result); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Rebalance requested from %s\n", result["leader"])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Rebalance requested: %s\n", response)
	}
	return nil
}

func checkHealth(cmd *cobra.Command, args []string) error {
	response, err := makeAPIRequest(http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}

	if verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "Response: %s\n", response)
		return nil
	}
	var health map[string]interface{}
	if err := json.Unmarshal(response, &health); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "System Health: %s\n", response)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "System Health: %s\n", health["status"])
	if checks, ok := health["checks"].(map[string]interface{}); ok {
		for name, status := range checks {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", name, status)
		}
	}
	return nil
}

func mintToken(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	roles, _ := cmd.Flags().GetStringSlice("role")
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	for _, role := range roles {
		switch role {
		case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
		default:
			return fmt.Errorf("invalid role: %s", role)
		}
	}

	manager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration, zap.NewNop())
	token, err := manager.GenerateToken(user, roles)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func makeAPIRequest(method, endpoint string, data interface{}) ([]byte, error) {
	var body []byte
	var err error

	if data != nil {
		body, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request data: %w", err)
		}
	}

	client := &http.Client{Timeout: time.Duration(timeout) * time.Second}
	req, err := http.NewRequest(method, strings.TrimSuffix(apiBaseURL, "/")+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiToken != "" {
		req.Header.Set(auth.AuthorizationHeader, auth.BearerPrefix+apiToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, respBody)
	}

	return respBody, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
