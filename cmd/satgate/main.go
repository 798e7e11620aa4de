// ABOUTME: Entry point for the satgate payment gateway server
// ABOUTME: Subcommands: serve, init, admin-token, health, version

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/SatGate-io/satgate-sub000/internal/auth"
	"github.com/SatGate-io/satgate-sub000/internal/config"
	"github.com/SatGate-io/satgate-sub000/internal/gateway"
	"github.com/SatGate-io/satgate-sub000/internal/token"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _             _
 ___  __ _| |_ __ _  __ _| |_ ___
/ __|/ _' | __/ _' |/ _' | __/ _ \
\__ \ (_| | || (_| | (_| | ||  __/
|___/\__,_|\__\__, |\__,_|\__\___|
              |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: SATGATE_CONFIG env var > XDG_CONFIG_HOME/satgate/gateway.yaml
// > ~/.config/satgate/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SATGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "satgate", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: satgate <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                     Start the gateway")
		fmt.Println("  init                      Write a starter config file")
		fmt.Println("  mint --scope SCOPE        Mint a capability token offline")
		fmt.Println("  admin-token --name NAME   Mint an operator credential")
		fmt.Println("  health                    Check a running gateway")
		fmt.Println("  version                   Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "mint":
		err = runMint()
	case "admin-token":
		err = runAdminToken()
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Data:    %s\n", cfg.Server.Listen)
	green.Print("    ▶ ")
	fmt.Printf("Admin:   %s\n", cfg.Admin.Listen)
	if cfg.L402.Mode == "demo" {
		yellow.Print("    ▶ ")
		fmt.Println("Mode:    demo (fake payment backend)")
	}
	fmt.Println()

	logger.Info("starting satgate",
		"config", configPath,
		"data_addr", cfg.Server.Listen,
		"admin_addr", cfg.Admin.Listen,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runInit writes a starter config with fresh secrets. Refuses to
// overwrite an existing file.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	rootKey := make([]byte, 32)
	if _, err := rand.Read(rootKey); err != nil {
		return fmt.Errorf("generating root key: %w", err)
	}
	jwtSecret := make([]byte, 32)
	if _, err := rand.Read(jwtSecret); err != nil {
		return fmt.Errorf("generating admin secret: %w", err)
	}

	starter := fmt.Sprintf(`version: 1

server:
  listen: "127.0.0.1:8402"

admin:
  listen: "127.0.0.1:8403"
  jwt_secret: %q

database:
  path: "satgate.db"

logging:
  level: info
  format: text

metering:
  backend: sqlite

l402:
  mode: demo
  root_key: %q
  default_ttl_seconds: 3600
  tiers:
    basic:
      price_sats: 21
      scope: "api:basic"
      description: "Basic API access"

upstreams:
  api:
    url: "http://127.0.0.1:9000"

routes:
  - name: api
    match:
      path_prefix: /api/
    upstream: api
    policy:
      type: l402
      tier: basic
`, hex.EncodeToString(jwtSecret), hex.EncodeToString(rootKey))

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starter), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Wrote %s\n", configPath)
	fmt.Println("Edit the upstreams and routes, then run: satgate serve")
	return nil
}

// runMint mints a capability token offline from the configured root
// key. Useful for bootstrapping access and for delegation demos; the
// gateway does not need to be up.
func runMint() error {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	scope := fs.String("scope", "", "scope caveat (required)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	maxCalls := fs.Int64("max-calls", 0, "max_calls caveat (0 = unlimited)")
	budget := fs.Int64("budget", 0, "budget_sats caveat (0 = unlimited)")
	delegate := fs.String("delegate", "", "record a delegated_by provenance caveat")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *scope == "" {
		return fmt.Errorf("--scope flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	rootKey, err := cfg.L402.RootKeyBytes()
	if err != nil {
		return err
	}
	if len(rootKey) < 16 {
		return fmt.Errorf("l402.root_key must be at least 16 bytes of hex")
	}

	tokenID, err := token.NewTokenID()
	if err != nil {
		return err
	}
	tok, err := token.Mint(&token.Identifier{
		Version:     token.LatestVersion,
		PaymentHash: token.ZeroHash,
		TokenID:     tokenID,
	}, rootKey, "satgate")
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	expiresAt := time.Now().Add(*ttl)
	caveats := []token.Caveat{
		token.NewScopeCaveat(*scope),
		token.NewExpiresCaveat(expiresAt),
	}
	if *maxCalls > 0 {
		caveats = append(caveats, token.NewMaxCallsCaveat(*maxCalls))
	}
	if *budget > 0 {
		caveats = append(caveats, token.NewBudgetCaveat(*budget))
	}
	if *delegate != "" {
		caveats = append(caveats, token.NewDelegatedByCaveat(*delegate))
	}
	tok, err = tok.Attenuate(caveats...)
	if err != nil {
		return fmt.Errorf("attenuating token: %w", err)
	}

	encoded, err := tok.Encode()
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Capability token (scope %s, expires %s):\n", *scope, expiresAt.Format(time.RFC3339))
	fmt.Println(encoded)
	color.New(color.FgHiBlack).Printf("signature: %s\n", tok.SignatureHex())
	return nil
}

// runAdminToken mints an operator JWT from the configured admin
// secret. Runs locally; the gateway does not need to be up.
func runAdminToken() error {
	var name string
	ttl := 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		default:
			return fmt.Errorf("unknown argument: %s", arg)
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret is not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret))
	tok, err := verifier.Generate(name, ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Operator token for %q (expires in %v):\n", name, ttl)
	fmt.Println(tok)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Admin.Listen)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{level: h.level, attrs: h.attrs, groups: newGroups}
}
