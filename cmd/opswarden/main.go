package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opswarden/opswarden/internal/backend/sandbox"
	"github.com/opswarden/opswarden/internal/config"
	"github.com/opswarden/opswarden/internal/logging"
	"github.com/opswarden/opswarden/internal/sanitize"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "opswarden",
		Short:         "Safe action execution for AI infrastructure operators",
		Long:          "opswarden gates, executes and audits infrastructure actions proposed by AI agents.\nEvery action is validated, checked against the safety mode and policies, and recorded in a hash-chained audit log.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		configFile string
		port       int
		devMode    bool
		addr       string
		token      string
		asJSON     bool
	)
	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("OPSWARDEN_ADDR", "127.0.0.1:6787"), "Address of the running opswarden server")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("OPSWARDEN_TOKEN"), "API bearer token (when server auth is enabled)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print raw JSON responses")

	client := func() *apiClient {
		c := newAPIClient(addr)
		c.token = token
		return c
	}
	out := func() *printer { return &printer{w: os.Stdout, json: asJSON} }

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the opswarden server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: opswarden.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 6787)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: debug logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter opswarden.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.OutOrStdout())
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opswarden %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── actions ───
	actionsCmd := &cobra.Command{
		Use:   "actions",
		Short: "List the actions agents may propose",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActions(client(), out())
		},
	}

	// ─── proposals ───
	proposalsCmd := &cobra.Command{
		Use:     "proposals",
		Aliases: []string{"p"},
		Short:   "Inspect and drive action proposals",
	}

	var listStatus, listAction string
	var listLimit int
	var listPending bool
	proposalsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProposalsList(client(), out(), listStatus, listAction, listLimit, listPending)
		},
	}
	proposalsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	proposalsListCmd.Flags().StringVar(&listAction, "action", "", "Filter by action name")
	proposalsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Max results")
	proposalsListCmd.Flags().BoolVar(&listPending, "pending", false, "Only proposed and validated proposals")

	var createParams []string
	var createRationale, createBy string
	var createDryRun bool
	proposalsCreateCmd := &cobra.Command{
		Use:   "create [action]",
		Short: "Propose an action (parameters as key=value, values parsed as JSON when possible)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(createParams)
			if err != nil {
				return err
			}
			return runProposalsCreate(client(), out(), map[string]interface{}{
				"action_name": args[0],
				"parameters":  params,
				"rationale":   createRationale,
				"dry_run":     createDryRun,
				"proposed_by": createBy,
			})
		},
	}
	proposalsCreateCmd.Flags().StringArrayVar(&createParams, "param", nil, "Parameter as key=value (repeatable)")
	proposalsCreateCmd.Flags().StringVar(&createRationale, "rationale", "", "Why the action is needed")
	proposalsCreateCmd.Flags().StringVar(&createBy, "by", "cli", "Proposer name")
	proposalsCreateCmd.Flags().BoolVar(&createDryRun, "dry-run", false, "Only describe what would happen")

	proposalsShowCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a proposal with its records and audit events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProposalsShow(client(), out(), args[0])
		},
	}

	proposalsValidateCmd := &cobra.Command{
		Use:   "validate [id]",
		Short: "Validate a proposed action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimplePost(client(), out(), "/api/proposals/"+args[0]+"/validate", nil, "Validated "+args[0])
		},
	}

	var approver string
	proposalsApproveCmd := &cobra.Command{
		Use:   "approve [id]",
		Short: "Approve a proposal that requires sign-off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"approved_by": approver}
			return runSimplePost(client(), out(), "/api/proposals/"+args[0]+"/approve", body, "Approved "+args[0]+" as "+approver)
		},
	}
	proposalsApproveCmd.Flags().StringVar(&approver, "as", envOr("USER", ""), "Approver name")

	var async bool
	proposalsExecuteCmd := &cobra.Command{
		Use:   "execute [id]",
		Short: "Execute a validated proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProposalsExecute(client(), out(), args[0], async)
		},
	}
	proposalsExecuteCmd.Flags().BoolVar(&async, "async", false, "Queue the execution and return immediately")

	var cancelReason string
	proposalsCancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a proposed or validated proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": cancelReason}
			return runSimplePost(client(), out(), "/api/proposals/"+args[0]+"/cancel", body, "Cancelled "+args[0])
		},
	}
	proposalsCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Why the proposal is cancelled")

	proposalsCmd.AddCommand(proposalsListCmd, proposalsCreateCmd, proposalsShowCmd,
		proposalsValidateCmd, proposalsApproveCmd, proposalsExecuteCmd, proposalsCancelCmd)

	// ─── kill ───
	var killReason string
	killCmd := &cobra.Command{
		Use:   "kill",
		Short: "Emergency stop: switch to OBSERVE and cancel every pending proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKill(client(), out(), killReason)
		},
	}
	killCmd.Flags().StringVarP(&killReason, "reason", "r", "manual kill switch", "Reason recorded in the audit log")

	// ─── mode ───
	modeCmd := &cobra.Command{
		Use:   "mode",
		Short: "Safety mode commands",
	}
	modeGetCmd := &cobra.Command{
		Use:   "get",
		Short: "Show the current safety mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModeGet(client(), out())
		},
	}
	modeSetCmd := &cobra.Command{
		Use:       "set [observe|execute]",
		Short:     "Change the safety mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"observe", "execute"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModeSet(client(), out(), args[0])
		},
	}
	modeCmd.AddCommand(modeGetCmd, modeSetCmd)

	// ─── audit ───
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log commands",
	}
	var auditProposal, auditType string
	var auditLimit int
	auditListCmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditList(client(), out(), auditProposal, auditType, auditLimit)
		},
	}
	auditListCmd.Flags().StringVar(&auditProposal, "proposal", "", "Filter by proposal id")
	auditListCmd.Flags().StringVar(&auditType, "type", "", "Filter by event type")
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "Max results")
	auditVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(client(), out())
		},
	}
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)

	// ─── script ───
	scriptCmd := &cobra.Command{
		Use:   "script",
		Short: "Sandbox script commands",
	}
	var scriptKind string
	scriptCheckCmd := &cobra.Command{
		Use:   "check [file|-]",
		Short: "Run the sandbox validator on a script without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScriptCheck(cmd.Context(), out(), configFile, scriptKind, args[0], cmd.InOrStdin())
		},
	}
	scriptCheckCmd.Flags().StringVarP(&scriptKind, "kind", "k", "", "python or bash (default: from file extension)")
	scriptCheckCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file for limits and redaction rules")
	scriptCmd.AddCommand(scriptCheckCmd)

	rootCmd.AddCommand(startCmd, initCmd, versionCmd, actionsCmd, proposalsCmd, killCmd, modeCmd, auditCmd, scriptCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "✗", err)
		os.Exit(1)
	}
}

func runInit(w io.Writer) error {
	configPath := "opswarden.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ Generated %s\n", configPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Next steps:")
	fmt.Fprintln(w, "    opswarden start                 # Start the server (OBSERVE mode)")
	fmt.Fprintln(w, "    opswarden mode set execute      # Allow gated execution")
	fmt.Fprintln(w, "    opswarden actions               # List available actions")
	return nil
}

// runScriptCheck validates a script locally with the same limits the
// sandbox backend uses.
func runScriptCheck(ctx context.Context, p *printer, configFile, kindFlag, path string, stdin io.Reader) error {
	cfg := config.DefaultConfig()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		loader := config.NewLoader()
		if err := loader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loader.Get()
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	if kindFlag == "" {
		kindFlag = kindFromPath(path)
	}
	kind, err := sandbox.ParseKind(kindFlag)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(config.LoggingConfig{Level: "error"})
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	redactor := sanitize.NewScanner(redactionRules(cfg.Storage.Redaction), logger)
	v := sandbox.NewValidator(cfg.Sandbox.MaxScriptChars, redactor, logger)
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := v.Validate(ctx, kind, string(data))
	if err != nil {
		return err
	}

	if p.json {
		return p.raw(res)
	}
	if res.Valid {
		p.linef("✓ %s script passed all checks (%d/%d characters)", kind, len([]rune(string(data))), v.MaxChars())
		return nil
	}
	p.linef("✗ rejected at %s layer: %s", res.Layer, res.Reason)
	for _, is := range res.Issues {
		p.linef("    line %-4d %-24s %s", is.Line, is.Rule, is.Snippet)
	}
	for _, f := range res.Findings {
		p.linef("    secret    %-24s %s", f.Pattern, f.Severity)
	}
	return fmt.Errorf("script rejected")
}

func kindFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".py"):
		return "python"
	case strings.HasSuffix(path, ".sh"), strings.HasSuffix(path, ".bash"):
		return "bash"
	}
	return ""
}

// parseParams turns key=value pairs into a parameter map. Values that parse
// as JSON keep their JSON type, anything else is a string.
func parseParams(pairs []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q must be key=value", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		params[key] = v
	}
	return params, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
