package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub000/pkg/wabaapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "register":
		runRegister(os.Args[2:])
	case "registration":
		runRegistration(os.Args[2:])
	case "reset-stuck":
		runMaintenance("reset-stuck", os.Args[2:])
	case "retry-failed":
		runMaintenance("retry-failed", os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wabactl <submit|task|cancel|register|registration|reset-stuck|retry-failed> [...]")
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "waba-service URL")
	token := fs.String("token", defaultToken(), "API token")
	orgID := fs.String("org", "", "organization id")
	code := fs.String("code", "", "embedded signup auth code")
	wabaID := fs.String("waba", "", "expected WABA id (optional)")
	phoneID := fs.String("phone", "", "preferred phone number id (optional)")
	pin := fs.String("pin", "", "two-step verification pin (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*orgID) == "" || strings.TrimSpace(*code) == "" {
		fatalf("--org and --code are required")
	}
	req := wabaapi.SubmitOnboardingRequest{
		OrgID:         *orgID,
		AuthCode:      *code,
		WABAID:        *wabaID,
		PhoneNumberID: *phoneID,
		PIN:           *pin,
	}
	var resp wabaapi.SubmitOnboardingResponse
	call(http.MethodPost, *url, "/v1/onboarding", *token, req, &resp)
	printJSON(resp)
}

func runTask(args []string) {
	fs := flag.NewFlagSet("task", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "waba-service URL")
	token := fs.String("token", defaultToken(), "API token")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: wabactl task [flags] <task-id>")
	}
	var resp wabaapi.TaskStatusResponse
	call(http.MethodGet, *url, "/v1/onboarding/"+fs.Arg(0), *token, nil, &resp)
	printJSON(resp)
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "waba-service URL")
	token := fs.String("token", defaultToken(), "API token")
	reason := fs.String("reason", "cancelled by operator", "cancellation reason")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: wabactl cancel [flags] <task-id>")
	}
	var resp wabaapi.CancelTaskResponse
	call(http.MethodPost, *url, "/v1/onboarding/"+fs.Arg(0)+"/cancel", *token, wabaapi.CancelTaskRequest{Reason: *reason}, &resp)
	printJSON(resp)
}

func runRegister(args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "waba-service URL")
	token := fs.String("token", defaultToken(), "API token")
	wabaID := fs.String("waba", "", "WABA id")
	phoneID := fs.String("phone", "", "phone number id")
	pin := fs.String("pin", "", "two-step verification pin (optional)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*wabaID) == "" || strings.TrimSpace(*phoneID) == "" {
		fatalf("--waba and --phone are required")
	}
	req := wabaapi.RegisterNumberRequest{WABAID: *wabaID, PhoneNumberID: *phoneID, PIN: *pin}
	var resp wabaapi.RegistrationStatusResponse
	call(http.MethodPost, *url, "/v1/numbers/register", *token, req, &resp)
	printJSON(resp)
}

func runRegistration(args []string) {
	fs := flag.NewFlagSet("registration", flag.ExitOnError)
	url := fs.String("url", defaultURL(), "waba-service URL")
	token := fs.String("token", defaultToken(), "API token")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("usage: wabactl registration [flags] <phone-number-id>")
	}
	var resp wabaapi.RegistrationStatusResponse
	call(http.MethodGet, *url, "/v1/numbers/"+fs.Arg(0), *token, nil, &resp)
	printJSON(resp)
}

func runMaintenance(kind string, args []string) {
	fs := flag.NewFlagSet(kind, flag.ExitOnError)
	url := fs.String("url", defaultURL(), "waba-service URL")
	token := fs.String("token", defaultToken(), "API token")
	_ = fs.Parse(args)
	var resp wabaapi.MaintenanceResponse
	call(http.MethodPost, *url, "/v1/admin/tasks/"+kind, *token, nil, &resp)
	printJSON(resp)
}

func call(method, base, path, token string, body, out any) {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			fatalf("encode request: %v", err)
		}
		payload = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, payload)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fatalf("%s %s returned %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		fatalf("decode response: %v", err)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func defaultURL() string {
	if v := strings.TrimSpace(os.Getenv("WABA_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func defaultToken() string {
	return strings.TrimSpace(os.Getenv("WABA_API_TOKEN"))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
