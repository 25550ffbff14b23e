package api

import (
	"html/template"
	"net/http"
	"time"

	"github.com/troparcel/sync/pkg/relay"
)

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>troparcel relay</title>
  <meta charset="utf-8">
  <style>
    body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
    table { border-collapse: collapse; width: 100%; }
    th, td { text-align: left; padding: 0.4rem 0.8rem; border-bottom: 1px solid #ddd; }
    h1 { font-size: 1.3rem; }
    .muted { color: #777; }
  </style>
</head>
<body>
  <h1>troparcel relay</h1>
  <p class="muted">uptime {{.Uptime}} &middot; {{len .Rooms}} room(s) open</p>
  <table>
    <tr><th>Room</th><th>Peers</th><th>Identities</th><th>Last activity</th></tr>
    {{range .Rooms}}
    <tr>
      <td>{{.Name}}</td>
      <td>{{.PeerCount}}</td>
      <td>{{.Identities}}</td>
      <td>{{.LastActivity.Format "2006-01-02 15:04:05"}}</td>
    </tr>
    {{else}}
    <tr><td colspan="4" class="muted">no rooms open</td></tr>
    {{end}}
  </table>
</body>
</html>
`))

// handleDashboard serves a minimal HTML status page (§4.I "a small HTML
// dashboard"). It has no interactivity and pulls no external assets, so a
// relay operator can reach it even from a restricted network.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Uptime time.Duration
		Rooms  []relay.Snapshot
	}{
		Uptime: time.Since(s.startedAt).Round(time.Second),
		Rooms:  s.registry.Snapshots(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		http.Error(w, "dashboard render failed", http.StatusInternalServerError)
	}
}
