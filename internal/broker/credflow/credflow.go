// Package credflow collects venue credentials through a one-shot form served
// on 127.0.0.1, keeping secrets out of shell history and scrollback.
package credflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/util"
)

const timeout = 3 * time.Minute

// Opener shows url to the user. util.OpenBrowser is the default.
type Opener func(url string) error

// Collect serves a form for every field of f on an ephemeral localhost port,
// opens it, and returns the submitted credentials with defaults applied.
func Collect(ctx context.Context, f broker.Factory, open Opener) (broker.Credentials, error) {
	if open == nil {
		open = util.OpenBrowser
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen ephemeral: %w", err)
	}
	defer func() { _ = ln.Close() }()

	port := ln.Addr().(*net.TCPAddr).Port
	got := make(chan broker.Credentials, 1)
	srv := &http.Server{
		Handler:           handler(f, port, got),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[credflow] server error: %v", err)
		}
	}()
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	if err := open(fmt.Sprintf("http://127.0.0.1:%d/credentials", port)); err != nil {
		return nil, fmt.Errorf("open browser: %w (use --terminal for headless environments)", err)
	}

	select {
	case creds := <-got:
		return creds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, errors.New("credential entry timed out after 3 minutes")
	}
}

func handler(f broker.Factory, port int, got chan<- broker.Credentials) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/credentials", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			if err := formTmpl.Execute(w, formData{Venue: f.DisplayName, Fields: f.Fields, Port: port}); err != nil {
				log.Printf("[credflow] render: %v", err)
			}
		case http.MethodPost:
			var body map[string]string
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
				writeError(w, "invalid form data")
				return
			}
			creds := broker.Credentials{}
			for _, fd := range f.Fields {
				if v := strings.TrimSpace(body[fd.Name]); v != "" {
					creds[fd.Name] = v
				}
			}
			creds = f.WithDefaults(creds)
			if missing := f.Missing(creds); len(missing) > 0 {
				writeError(w, "missing "+strings.Join(missing, ", "))
				return
			}
			select {
			case got <- creds:
			default:
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type formData struct {
	Venue  string
	Fields []broker.Field
	Port   int
}

var formTmpl = template.Must(template.New("form").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>tradegate: {{.Venue}} credentials</title>
<style>
*{box-sizing:border-box;margin:0;padding:0}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif;background:#0b1220;color:#e2e8f0;display:flex;align-items:center;justify-content:center;min-height:100vh}
.card{background:#1a2332;border:1px solid #2d3748;border-radius:12px;padding:40px;max-width:440px;width:100%;box-shadow:0 8px 32px rgba(0,0,0,.4)}
h1{font-size:20px;margin-bottom:4px;color:#fff}
.subtitle{color:#8892a4;font-size:14px;margin-bottom:28px}
label{display:block;font-size:13px;color:#a0aec0;margin-bottom:6px;font-weight:500}
input{width:100%;padding:10px 14px;background:#0b1220;border:1px solid #2d3748;border-radius:8px;color:#e2e8f0;font-size:15px;margin-bottom:18px;outline:none;font-family:monospace}
input:focus{border-color:#5A9BD4;box-shadow:0 0 0 2px rgba(90,155,212,.25)}
button{width:100%;padding:12px;background:#5A9BD4;color:#fff;border:none;border-radius:8px;font-size:15px;font-weight:600;cursor:pointer}
button:disabled{opacity:.6;cursor:not-allowed}
.security{margin-top:20px;padding:12px;background:rgba(16,185,129,.08);border:1px solid rgba(16,185,129,.2);border-radius:8px;font-size:12px;color:#10B981;text-align:center}
.success h2{color:#10B981;margin-bottom:8px}
.success p{color:#8892a4;font-size:14px}
</style>
</head>
<body>
<div class="card" id="form-card">
  <h1>Connect {{.Venue}}</h1>
  <p class="subtitle">Enter your credentials below</p>
  <form id="cred-form" autocomplete="off">
  {{- range .Fields}}
    <label for="{{.Name}}">{{.Label}}{{if not .Required}} (optional){{end}}</label>
    <input type="{{if .Secret}}password{{else}}text{{end}}" id="{{.Name}}" name="{{.Name}}" value="{{.Default}}"{{if .Required}} required{{end}}>
  {{- end}}
    <button type="submit" id="submit-btn">Connect</button>
  </form>
  <div class="security">Values are sent only to your local CLI on 127.0.0.1:{{.Port}}</div>
</div>
<div class="card success" id="success-card" style="display:none">
  <h2>Credentials received</h2>
  <p>You can close this tab and return to your terminal.</p>
</div>
<script>
document.getElementById("cred-form").addEventListener("submit", async (e) => {
  e.preventDefault();
  const btn = document.getElementById("submit-btn");
  btn.disabled = true;
  const body = {};
  for (const el of e.target.elements) { if (el.name) body[el.name] = el.value; }
  try {
    const res = await fetch("/credentials", {method: "POST", headers: {"Content-Type": "application/json"}, body: JSON.stringify(body)});
    if (res.ok) {
      document.getElementById("form-card").style.display = "none";
      document.getElementById("success-card").style.display = "block";
      return;
    }
    const msg = await res.json().catch(() => ({}));
    alert("Failed: " + (msg.error || res.status));
  } catch (err) {
    alert("Connection error: " + err.message);
  }
  btn.disabled = false;
});
</script>
</body>
</html>`))
