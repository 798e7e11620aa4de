// ABOUTME: Operator CLI for a running satgate admin plane
// ABOUTME: Subcommands: stats, bans, ban, unban, audit, mint

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

type banEntry struct {
	Signature string `json:"signature"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

type bansResponse struct {
	Bans []banEntry `json:"bans"`
}

func main() {
	gateway := flag.String("gateway", getEnv("SATGATE_ADMIN_URL", "http://localhost:8403"), "Admin plane URL")
	tokenFlag := flag.String("token", os.Getenv("SATGATE_ADMIN_TOKEN"), "Operator JWT (or SATGATE_ADMIN_TOKEN)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: satgate-admin [flags] <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  stats                        Show gateway counters")
		fmt.Println("  bans                         List banned token signatures")
		fmt.Println("  ban <signature> [reason]     Ban a token signature")
		fmt.Println("  unban <signature>            Lift a ban")
		fmt.Println("  audit                        Stream the audit log (NDJSON)")
		fmt.Println("  mint <scope> <ttl>           Mint a capability token")
		os.Exit(1)
	}

	c := &client{
		baseURL: strings.TrimSuffix(*gateway, "/"),
		token:   *tokenFlag,
	}

	var err error
	args := flag.Args()
	switch args[0] {
	case "stats":
		err = c.stats()
	case "bans":
		err = c.listBans()
	case "ban":
		if len(args) < 2 {
			err = fmt.Errorf("ban requires a signature")
		} else {
			reason := ""
			if len(args) > 2 {
				reason = strings.Join(args[2:], " ")
			}
			err = c.ban(args[1], reason)
		}
	case "unban":
		if len(args) < 2 {
			err = fmt.Errorf("unban requires a signature")
		} else {
			err = c.unban(args[1])
		}
	case "audit":
		err = c.audit()
	case "mint":
		if len(args) < 3 {
			err = fmt.Errorf("mint requires a scope and a ttl (e.g. 24h)")
		} else {
			err = c.mint(args[1], args[2])
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		os.Exit(1)
	}

	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	baseURL string
	token   string
}

// do issues an authenticated request and fails on any non-2xx status.
func (c *client) do(method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *client) stats() error {
	resp, err := c.do(http.MethodGet, "/admin/stats", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%v\n", k, stats[k])
	}
	return w.Flush()
}

func (c *client) listBans() error {
	resp, err := c.do(http.MethodGet, "/admin/bans", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body bansResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(body.Bans) == 0 {
		fmt.Println("(no bans)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SIGNATURE\tREASON\tCREATED")
	for _, b := range body.Bans {
		created := b.CreatedAt
		if t, err := time.Parse(time.RFC3339, b.CreatedAt); err == nil {
			created = t.Format("Jan 02 15:04")
		}
		sig := b.Signature
		if len(sig) > 24 {
			sig = sig[:21] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", sig, b.Reason, created)
	}
	return w.Flush()
}

func (c *client) ban(signature, reason string) error {
	resp, err := c.do(http.MethodPost, "/admin/bans", map[string]string{
		"signature": signature,
		"reason":    reason,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("banned %s\n", signature)
	return nil
}

func (c *client) unban(signature string) error {
	resp, err := c.do(http.MethodDelete, "/admin/bans/"+signature, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("unbanned %s\n", signature)
	return nil
}

// audit streams the NDJSON export straight to stdout so it can be
// piped into jq or archived.
func (c *client) audit() error {
	resp, err := c.do(http.MethodGet, "/admin/audit", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

func (c *client) mint(scope, ttl string) error {
	d, err := time.ParseDuration(ttl)
	if err != nil {
		return fmt.Errorf("parsing ttl: %w", err)
	}

	resp, err := c.do(http.MethodPost, "/admin/tokens", map[string]any{
		"scope":       scope,
		"ttl_seconds": int64(d.Seconds()),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var minted struct {
		Token     string `json:"token"`
		Signature string `json:"signature"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	color.New(color.FgGreen).Printf("Capability token (scope %s, expires %s):\n", scope, minted.ExpiresAt)
	fmt.Println(minted.Token)
	color.New(color.FgHiBlack).Printf("signature: %s\n", minted.Signature)
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
