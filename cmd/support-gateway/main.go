// ABOUTME: Entry point for support-gateway, the live support conversation server
// ABOUTME: Provides serve, init, token, health and version commands

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
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
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                  _                    _
 ___ _   _ _ __  _ __   ___  _ __| |_       __ _  __ _| |_ _____      ____ _ _   _
/ __| | | | '_ \| '_ \ / _ \| '__| __|____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
\__ \ |_| | |_) | |_) | (_) | |  | ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|___/\__,_| .__/| .__/ \___/|_|   \__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
          |_|   |_|                        |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: SUPPORT_CONFIG env var > XDG_CONFIG_HOME/support/gateway.yaml > ~/.config/support/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SUPPORT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "support", "gateway.yaml")
}

// getDataPath returns the path to the support data directory.
// Priority: XDG_DATA_HOME/support > ~/.local/share/support
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "support")
}

// loadConfig reads the config file, or falls back to the environment when
// there is none.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.FromEnv()
	}
	return cfg, err
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: support-gateway <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                         Start the gateway server")
	fmt.Fprintln(w, "  init                          Write a config file with a fresh JWT secret")
	fmt.Fprintln(w, "  token --id ID --role ROLE     Mint a viewer token (role: admin, team_member, client)")
	fmt.Fprintln(w, "  health                        Check gateway health")
	fmt.Fprintln(w, "  version                       Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
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

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Streams:   heartbeat %s, poll %s, ceiling %s\n",
		cfg.Stream.HeartbeatInterval, cfg.Stream.PollInterval, cfg.Stream.MaxLifetime)

	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: viewer identity is read from X-Viewer-ID/X-Viewer-Role")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting support-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{
			out:   out,
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the parent's mutex so lines never interleave.
type colorHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
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

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		out:    h.out,
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		out:    h.out,
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}

// tokenArgs are the parsed flags of the token command.
type tokenArgs struct {
	ID   string
	Role auth.Role
	TTL  time.Duration
}

func parseTokenArgs(args []string) (tokenArgs, error) {
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	id := flags.String("id", "", "viewer id (token subject)")
	role := flags.StringP("role", "r", "", "viewer role: admin, team_member or client")
	ttl := flags.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := flags.Parse(args); err != nil {
		return tokenArgs{}, err
	}
	if flags.NArg() > 0 {
		return tokenArgs{}, fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}

	out := tokenArgs{ID: strings.TrimSpace(*id), TTL: *ttl}
	if out.ID == "" {
		return tokenArgs{}, errors.New("--id is required")
	}
	if out.TTL <= 0 {
		return tokenArgs{}, errors.New("--ttl must be positive")
	}
	r, err := auth.ParseRole(*role)
	if err != nil {
		return tokenArgs{}, fmt.Errorf("--role: %w", err)
	}
	out.Role = r
	return out, nil
}

// runToken mints a JWT for the given viewer using the configured secret.
func runToken(args []string, out io.Writer) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured (run support-gateway init or set SUPPORT_JWT_SECRET)")
	}

	return writeToken(cfg.Auth.JWTSecret, parsed, out)
}

func writeToken(secret string, args tokenArgs, out io.Writer) error {
	identity, err := auth.NewJWTIdentity([]byte(secret))
	if err != nil {
		return fmt.Errorf("creating JWT identity: %w", err)
	}
	token, err := identity.Generate(auth.Viewer{ID: args.ID, Role: args.Role}, args.TTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// runInit writes a config file with a random JWT secret. It refuses to
// overwrite an existing file.
func runInit() error {
	configPath := getConfigPath()
	dbPath := filepath.Join(getDataPath(), "gateway.db")

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(renderConfig(dbPath, base64.StdEncoding.EncodeToString(secretBytes))), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	yellow.Println("  Next:")
	fmt.Println("    support-gateway token --id you --role admin   # mint a token")
	fmt.Println("    support-gateway serve                         # start the gateway")
	fmt.Println()
	return nil
}

func renderConfig(dbPath, jwtSecret string) string {
	return fmt.Sprintf(`# support-gateway configuration
# Generated by support-gateway init

server:
  grpc_addr: "localhost:50051"
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

stream:
  heartbeat_interval: "30s"
  poll_interval: "3s"
  max_lifetime: "30m"
  write_timeout: "10s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)
}
