package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadEnvFile reads ~/.promptgate/env and sets any key=value pairs not
// already present in the process environment. This lets promptgatectl work
// out of the box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.promptgate/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("promptgatectl %s\n", version)
	case "status":
		doStatus()
	case "providers":
		doProviders()
	case "stats":
		doStats()
	case "logs":
		doLogs(args)
	case "events":
		doEvents()
	case "vault":
		doVault(args)
	case "best-two":
		doBestTwo(args)
	case "invoke":
		doInvoke(args)
	case "compare":
		doCompare(args)
	case "enhance":
		doEnhance(args)
	case "context":
		doContext(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `promptgatectl — CLI for the PromptGate API

Usage: promptgatectl <command> [arguments]

Environment:
  PROMPTGATE_URL           Base URL (default: http://localhost:8080)
  PROMPTGATE_BEARER_TOKEN  Bearer token for protected endpoints

  ~/.promptgate/env        Auto-sourced on startup. Explicit environment
                           variables take precedence.

Commands:
  status                       Show server liveness
  providers                    Show provider availability states
  stats                        Show provider and traffic stats
  logs [--limit N]             Show recent request logs
  events                       Stream real-time provider events

  vault unlock <password>      Unlock the key vault
  vault lock                   Lock the key vault

  best-two [query]             Show the top two providers, query-aware if given
  invoke <provider> <prompt>   Call one provider directly, no fallback
  compare <prompt> [p1 p2...]  Fan one prompt out to several providers
  enhance <prompt>             Stream an enhanced prompt

  context upload <file>        Ingest a document, print its context id
  context info <id>            Show context metadata
  context retrieve <id> <q>    Retrieve matching chunks
  context delete <id>          Delete a context

  version                      Show version
  help                         Show this help

Examples:
  promptgatectl status
  promptgatectl best-two "write a sorting function in Go"
  promptgatectl invoke openai "say hello"
  promptgatectl enhance "explain transformers to a beginner"
  promptgatectl context upload notes.pdf
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("PROMPTGATE_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func bearerToken() string {
	return os.Getenv("PROMPTGATE_BEARER_TOKEN")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := bearerToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDelete(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: promptgatectl %s\n", usage)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// --- Commands ---

func doStatus() {
	data := doGet("/health")
	status, _ := data["status"].(string)
	providers := fmtNum(data["providers"])
	fmt.Printf("Server:    %s\n", baseURL())
	fmt.Printf("Status:    %s\n", status)
	fmt.Printf("Providers: %s\n", providers)
}

func doProviders() {
	data := doGet("/admin/v1/stats")
	providers, _ := data["providers"].([]any)
	if len(providers) == 0 {
		fmt.Println("No providers registered.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tAVAILABLE\tERRORS\tCOOLDOWN UNTIL\tLAST ERROR")
	for _, p := range providers {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["provider"].(string)
		state, _ := m["state"].(string)
		available := "no"
		if m["available"] == true {
			available = "yes"
		}
		errs := fmtNum(m["error_count"])
		cooldown := fmtTime(m["cooldown_until"])
		lastErr, _ := m["last_error_kind"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, state, available, errs, cooldown, lastErr)
	}
	_ = tw.Flush()
}

func doStats() {
	fmt.Println(prettyJSON(doGet("/admin/v1/stats")))
}

func doLogs(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/v1/logs?limit=%d", limit))
	logs, _ := data["logs"].([]any)
	if len(logs) == 0 {
		fmt.Println("No request logs.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tENDPOINT\tPROVIDER\tLATENCY\tSTATUS\tERROR")
	for _, l := range logs {
		m, _ := l.(map[string]any)
		ts := fmtTime(m["timestamp"])
		endpoint, _ := m["endpoint"].(string)
		prov, _ := m["provider"].(string)
		lat := fmtDuration(m["latency_ms"])
		status := fmtNum(m["status_code"])
		errKind, _ := m["error_kind"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", ts, endpoint, prov, lat, status, errKind)
	}
	_ = tw.Flush()
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()

	fmt.Println("Streaming events (Ctrl-C to stop)...")
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var evt map[string]any
				if json.Unmarshal([]byte(payload), &evt) != nil {
					continue
				}
				evtType, _ := evt["type"].(string)
				provider, _ := evt["provider"].(string)
				latency := fmtDuration(evt["latency_ms"])
				errMsg, _ := evt["error"].(string)
				ts := time.Now().Format("15:04:05")
				if errMsg != "" {
					fmt.Printf("[%s] %s  provider=%s error=%s\n", ts, evtType, provider, errMsg)
				} else {
					fmt.Printf("[%s] %s  provider=%s latency=%s\n", ts, evtType, provider, latency)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				fmt.Println("Event stream closed.")
			}
			break
		}
	}
}

func doVault(args []string) {
	requireArgs(args, 1, "vault <unlock|lock> [password]")
	switch args[0] {
	case "unlock":
		requireArgs(args, 2, "vault unlock <password>")
		result := doPost("/admin/v1/vault/unlock", `{"master":`+jsonStr(args[1])+`}`)
		if result["locked"] == false {
			fmt.Println("Vault unlocked.")
		}
	case "lock":
		doPost("/admin/v1/vault/lock", "{}")
		fmt.Println("Vault locked.")
	default:
		fmt.Fprintf(os.Stderr, "unknown vault command: %s\n", args[0])
		os.Exit(1)
	}
}

func doBestTwo(args []string) {
	var data map[string]any
	if len(args) > 0 {
		query := strings.Join(args, " ")
		data = doPost("/api/v1/models/best-two-for-query", `{"query":`+jsonStr(query)+`}`)
		if qa, ok := data["query_analysis"].(map[string]any); ok {
			fmt.Printf("Detected task type: %v\n\n", qa["detected_task_type"])
		}
	} else {
		data = doGet("/api/v1/models/best-two")
	}
	list, _ := data["best_models_list"].([]any)
	if len(list) == 0 {
		fmt.Println("No providers available.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RANK\tPROVIDER\tSCORE\tSTATUS")
	for i, p := range list {
		m, _ := p.(map[string]any)
		prov, _ := m["provider"].(string)
		score := fmtNum(m["final_score"])
		status, _ := m["status"].(string)
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, prov, score, status)
	}
	_ = tw.Flush()
}

func doInvoke(args []string) {
	requireArgs(args, 2, "invoke <provider> <prompt>")
	provider := args[0]
	prompt := strings.Join(args[1:], " ")
	data := doPost("/api/v1/models/"+provider, `{"prompt":`+jsonStr(prompt)+`}`)
	if data["success"] != true {
		fmt.Fprintln(os.Stderr, "invoke failed:", prettyJSON(data))
		os.Exit(1)
	}
	fmt.Println(data["response"])
}

func doCompare(args []string) {
	requireArgs(args, 1, "compare <prompt> [provider...]")
	prompt := args[0]
	models, _ := json.Marshal(args[1:])
	data := doPost("/api/v1/models/compare",
		`{"prompt":`+jsonStr(prompt)+`,"models":`+string(models)+`}`)
	results, _ := data["results"].([]any)
	for _, res := range results {
		m, _ := res.(map[string]any)
		prov, _ := m["provider"].(string)
		lat := fmtDuration(m["latency_ms"])
		fmt.Printf("=== %s (%s) ===\n", prov, lat)
		if errMsg, ok := m["error"].(string); ok && errMsg != "" {
			fmt.Printf("error: %s\n\n", errMsg)
			continue
		}
		resp, _ := m["response"].(string)
		fmt.Printf("%s\n\n", resp)
	}
}

func doEnhance(args []string) {
	requireArgs(args, 1, "enhance <prompt>")
	prompt := strings.Join(args, " ")
	resp, err := doRequest("POST", "/enhance/stream", strings.NewReader(`{"prompt":`+jsonStr(prompt)+`}`))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}

	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			pending += string(buf[:n])
			for {
				line, rest, ok := strings.Cut(pending, "\n")
				if !ok {
					break
				}
				pending = rest
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var evt map[string]any
				if json.Unmarshal([]byte(payload), &evt) != nil {
					continue
				}
				switch evt["type"] {
				case "content":
					chunk, _ := evt["chunk"].(string)
					fmt.Print(chunk)
				case "complete":
					fmt.Printf("\n\n[provider: %v, domain: %v]\n", evt["suggested_llm"], evt["domain"])
				default:
					if errMsg, ok := evt["error"].(string); ok {
						fmt.Fprintf(os.Stderr, "\nerror: %s\n", errMsg)
						os.Exit(1)
					}
				}
			}
		}
		if err != nil {
			break
		}
	}
}

func doContext(args []string) {
	requireArgs(args, 1, "context <upload|info|retrieve|delete> ...")
	switch args[0] {
	case "upload":
		requireArgs(args, 2, "context upload <file>")
		doContextUpload(args[1])
	case "info":
		requireArgs(args, 2, "context info <id>")
		fmt.Println(prettyJSON(doGet("/context/" + args[1] + "/info")))
	case "retrieve":
		requireArgs(args, 3, "context retrieve <id> <query>")
		query := strings.Join(args[2:], " ")
		data := doPost("/context/retrieve",
			`{"context_id":`+jsonStr(args[1])+`,"query":`+jsonStr(query)+`}`)
		chunks, _ := data["chunks"].([]any)
		for _, c := range chunks {
			m, _ := c.(map[string]any)
			fmt.Printf("[%s] %v\n", fmtNum(m["score"]), m["text"])
		}
	case "delete":
		requireArgs(args, 2, "context delete <id>")
		result := doDelete("/context/" + args[1])
		if result["deleted"] == true {
			fmt.Println("Context deleted.")
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown context command: %s\n", args[0])
		os.Exit(1)
	}
}

func doContextUpload(path string) {
	data, err := os.ReadFile(path)
	fatal(err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	fatal(err)
	_, err = fw.Write(data)
	fatal(err)
	fatal(mw.Close())

	req, err := http.NewRequest("POST", baseURL()+"/context/upload", &buf)
	fatal(err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if tok := bearerToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	result := readJSON(resp)
	fmt.Printf("Context ID: %v\n", result["context_id"])
	if title, ok := result["title"].(string); ok && title != "" {
		fmt.Printf("Title:      %s\n", title)
	}
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 2, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtDuration(v any) string {
	if v == nil {
		return "-"
	}
	if f, ok := v.(float64); ok {
		if f < 1000 {
			return fmt.Sprintf("%.0fms", f)
		}
		return fmt.Sprintf("%.1fs", f/1000)
	}
	return fmt.Sprintf("%v", v)
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if s == "" || strings.HasPrefix(s, "0001-01-01") {
			return "-"
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
