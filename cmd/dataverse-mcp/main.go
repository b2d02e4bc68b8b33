package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/bridge"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/config"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/debug"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/transport"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/transport/http"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/transport/stdio"
)

// Azure CLI well-known client ID, usable for development without an app
// registration.
const defaultAADClientID = "04b07795-8ddb-461a-bbee-02f9e1bf7b46"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "dataverse-mcp [environment-url]",
	Short: "Dataverse MCP Server - Microsoft Dataverse Web API to Model Context Protocol bridge",
	Long: `Dataverse MCP Server - Microsoft Dataverse Web API to Model Context Protocol bridge.

This tool exposes a Dataverse environment's Web API (OData v4) as MCP tools:
record CRUD, OData queries, relationship management, bound and unbound
actions and functions, metadata discovery, and ready-to-run request examples.

Examples:
  dataverse-mcp https://contoso.crm.dynamics.com
  dataverse-mcp --env https://contoso.crm.dynamics.com --auth-aad
  dataverse-mcp --env https://contoso.crm.dynamics.com --token <bearer-token>
  dataverse-mcp --env https://contoso.crm.dynamics.com --read-only --entities 'account,contact*'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServer,
}

func init() {
	// Load .env file if it exists
	godotenv.Load()

	cfg = &config.Config{}

	// Environment
	rootCmd.Flags().StringVar(&cfg.EnvironmentURL, "env", "", "Dataverse environment URL (overrides positional argument and DATAVERSE_URL env var)")
	rootCmd.Flags().StringVar(&cfg.APIVersion, "api-version", constants.DefaultAPIVersion, "Web API version segment")

	// Authentication
	rootCmd.Flags().StringVar(&cfg.AccessToken, "token", "", "Static bearer token (overrides DATAVERSE_ACCESS_TOKEN env var)")
	rootCmd.Flags().BoolVar(&cfg.AuthAAD, "auth-aad", false, "Use Azure AD authentication (device code by default)")
	rootCmd.Flags().StringVar(&cfg.AADTenant, "aad-tenant", "common", "Azure AD tenant ID (default: common)")
	rootCmd.Flags().StringVar(&cfg.AADClientID, "aad-client-id", "", "Azure AD application (client) ID")
	rootCmd.Flags().StringVar(&cfg.AADScopes, "aad-scopes", "", "Comma-separated OAuth2 scopes (default: environment URL + /.default)")
	rootCmd.Flags().StringVar(&cfg.AADCache, "aad-cache", "", "Token cache file location")
	rootCmd.Flags().BoolVar(&cfg.AADBrowser, "aad-browser", false, "Use browser-based authentication instead of device code")

	// Solution context
	rootCmd.Flags().StringVar(&cfg.SolutionUniqueName, "solution", "", "Solution unique name for MSCRM.SolutionUniqueName on modifying requests")
	rootCmd.Flags().StringVar(&cfg.SolutionFile, "solution-file", "", "File containing a solution unique name, read once at startup")

	// Tool naming
	rootCmd.Flags().StringVar(&cfg.ToolPrefix, "tool-prefix", "", "Custom prefix for tool names (use with --no-postfix)")
	rootCmd.Flags().StringVar(&cfg.ToolPostfix, "tool-postfix", "", "Custom postfix for tool names (default: for_<environment_id>)")
	rootCmd.Flags().BoolVar(&cfg.NoPostfix, "no-postfix", false, "Use prefix instead of postfix for tool naming")

	// Entity filtering
	rootCmd.Flags().StringVar(&cfg.Entities, "entities", "", "Comma-separated entity allow-list (e.g. 'account,contact'). Supports wildcards: 'account*,new_*'")

	// Output and debugging
	rootCmd.Flags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output to stderr")
	rootCmd.Flags().BoolVar(&cfg.Debug, "debug", false, "Alias for --verbose")
	rootCmd.Flags().BoolVar(&cfg.Trace, "trace", false, "Initialize the server, print all tools and settings, then exit")
	rootCmd.Flags().BoolVar(&cfg.VerboseErrors, "verbose-errors", false, "Provide detailed error context in tool results")

	// Response size limits
	rootCmd.Flags().IntVar(&cfg.MaxResponseSize, "max-response-size", constants.DefaultMaxResponseSize, "Maximum response size in bytes")
	rootCmd.Flags().IntVar(&cfg.MaxItems, "max-items", constants.DefaultMaxItems, "Maximum number of items in a collection response")

	// Read-only mode
	rootCmd.Flags().BoolVar(&cfg.ReadOnly, "read-only", false, "Read-only mode: hide all modifying tools (create, update, delete, associate, actions)")
	rootCmd.Flags().BoolVar(&cfg.ReadOnly, "ro", false, "Read-only mode (shorthand for --read-only)")

	// Transport
	rootCmd.Flags().String("transport", "stdio", "Transport type: 'stdio' or 'http' (SSE)")
	rootCmd.Flags().String("http-addr", ":8080", "HTTP server address (used with --transport http)")
	rootCmd.Flags().Bool("trace-mcp", false, "Enable trace logging to debug MCP communication")

	// Hints
	rootCmd.Flags().StringVar(&cfg.HintsFile, "hints-file", "", "Path to hints JSON file")
	rootCmd.Flags().StringVar(&cfg.Hint, "hint", "", "Direct hint JSON or text to inject into service info")

	// Bind flags to viper for environment variable support
	viper.BindPFlag("env", rootCmd.Flags().Lookup("env"))
	viper.BindPFlag("token", rootCmd.Flags().Lookup("token"))
	viper.BindPFlag("verbose", rootCmd.Flags().Lookup("verbose"))

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.SetEnvPrefix("DATAVERSE")
}

func runServer(cmd *cobra.Command, args []string) error {
	if cfg.Debug {
		cfg.Verbose = true
	}

	// Environment URL priority: --env flag > positional arg > env vars
	if cfg.EnvironmentURL == "" && len(args) > 0 {
		cfg.EnvironmentURL = args[0]
		if cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Using environment URL from positional argument.\n")
		}
	}

	if cfg.EnvironmentURL == "" {
		cfg.EnvironmentURL = viper.GetString("URL")
		if cfg.EnvironmentURL == "" {
			cfg.EnvironmentURL = viper.GetString("ENVIRONMENT_URL")
		}
		if cfg.EnvironmentURL != "" && cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Using DATAVERSE_URL from environment.\n")
		}
	}

	if cfg.EnvironmentURL == "" {
		return fmt.Errorf("Dataverse environment URL not provided. Use --env flag, positional argument, or DATAVERSE_URL environment variable")
	}

	if err := processAuthentication(cfg); err != nil {
		return err
	}

	if cfg.Entities != "" {
		cfg.AllowedEntities = parseCommaSeparated(cfg.Entities)
		if cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Filtering tools to only these entities: %v\n", cfg.AllowedEntities)
		}
	}

	if cfg.IsReadOnly() && cfg.Verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] Read-only mode enabled. All modifying tools will be hidden.\n")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	dvBridge, err := bridge.NewDataverseMCPBridge(cfg)
	if err != nil {
		return fmt.Errorf("failed to create Dataverse MCP bridge: %w", err)
	}

	if cfg.Trace {
		return printTraceInfo(dvBridge)
	}

	transportType, _ := cmd.Flags().GetString("transport")

	enableTrace, _ := cmd.Flags().GetBool("trace-mcp")
	var tracer *debug.TraceLogger
	if enableTrace {
		tracer, err = debug.NewTraceLogger(true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] Failed to create trace logger: %v\n", err)
		} else {
			defer tracer.Close()
			fmt.Fprintf(os.Stderr, "[TRACE] Trace logging enabled. Output file: %s\n", tracer.GetFilename())
		}
	}

	handler := func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		return dvBridge.HandleMessage(ctx, msg)
	}

	var trans transport.Transport
	switch transportType {
	case "http", "sse":
		httpAddr, _ := cmd.Flags().GetString("http-addr")
		if cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Starting HTTP/SSE transport on %s\n", httpAddr)
		}
		trans = http.NewSSE(httpAddr, handler)
	case "stdio":
		fallthrough
	default:
		if cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Using stdio transport\n")
		}
		stdioTrans := stdio.New(handler)
		if tracer != nil {
			stdioTrans.SetTracer(tracer)
		}
		trans = stdioTrans
	}

	dvBridge.SetTransport(trans)

	errChan := make(chan error, 1)
	go func() {
		errChan <- dvBridge.Run()
	}()

	select {
	case sig := <-sigChan:
		fmt.Fprintf(os.Stderr, "\n%s received, shutting down server...\n", sig)
		dvBridge.Stop()
		return nil
	case err := <-errChan:
		return err
	}
}

func processAuthentication(cfg *config.Config) error {
	if cfg.AccessToken != "" && cfg.AuthAAD {
		return fmt.Errorf("only one authentication method can be used at a time")
	}

	if cfg.AuthAAD {
		if cfg.AADClientID == "" {
			cfg.AADClientID = defaultAADClientID
			if cfg.Verbose {
				fmt.Fprintf(os.Stderr, "[VERBOSE] Using default Azure CLI client ID for AAD authentication\n")
			}
		}
		return nil
	}

	// Static token from environment if not provided via flag
	if cfg.AccessToken == "" {
		cfg.AccessToken = viper.GetString("ACCESS_TOKEN")
		if cfg.AccessToken == "" {
			cfg.AccessToken = viper.GetString("TOKEN")
		}
		if cfg.AccessToken != "" && cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Using bearer token from environment: %s\n", debug.MaskToken(cfg.AccessToken))
		}
	}

	if cfg.AccessToken == "" && cfg.Verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] No authentication provided or configured. Attempting anonymous access.\n")
	}

	return nil
}

func parseCommaSeparated(input string) []string {
	var result []string
	for _, item := range strings.Split(input, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

func printTraceInfo(b *bridge.DataverseMCPBridge) error {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("Dataverse MCP Server Trace Information")
	fmt.Println(strings.Repeat("=", 80))

	info := b.GetTraceInfo()
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trace info: %w", err)
	}

	fmt.Println(string(data))

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("Trace complete - MCP bridge initialized successfully but not started")
	fmt.Println("Use without --trace to start the actual MCP server")
	fmt.Println(strings.Repeat("=", 80))

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\n--- FATAL ERROR ---\n")
		fmt.Fprintf(os.Stderr, "An unexpected error occurred: %v\n", err)
		fmt.Fprintf(os.Stderr, "-------------------\n")
		os.Exit(1)
	}
}
