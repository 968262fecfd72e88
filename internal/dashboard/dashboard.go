// Package dashboard serves the trailkeep web UI and REST API.
//
// The dashboard is mounted on /dashboard and /api/ by `trailkeep serve`.
// It provides:
//
//   - Web UI:     GET /dashboard            — Single-page HTML dashboard
//   - WebSocket:  GET /dashboard/ws         — Live record feed
//   - REST API:   GET /api/status           — Trail status + today's chain tip
//                 GET /api/segments         — Segment list with verification state
//                 GET /api/audit            — Recent records (filterable)
//                 GET /api/verify?date=...  — Full verification report for a segment
//                 GET /api/summary?since=1h — Activity summary over a window
//
// The API is read-only: nothing served here can mutate the trail.
// The web UI is a minimal embedded HTML page (no build step, no
// framework).
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/trailkeep/trailkeep/internal/audit"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Sink *audit.Sink
}

// Dashboard serves the web UI and REST API.
// Implements http.Handler for the dashboard UI routes.
type Dashboard struct {
	sink  *audit.Sink
	wsHub *wsHub
}

// New creates a new Dashboard with the given dependencies.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		sink:  opts.Sink,
		wsHub: newWSHub(),
	}

	// Start the WebSocket broadcast hub.
	go d.wsHub.run()

	return d
}

// ServeHTTP handles requests to /dashboard and /dashboard/.
// Serves the embedded HTML dashboard.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns an http.Handler for the /dashboard/ws
// endpoint. Clients connect here to receive records as they land.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.handleWebSocket(w, r)
	})
}

// APIHandler returns an http.Handler for the /api/ REST endpoints.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/segments", d.handleAPISegments)
	mux.HandleFunc("/api/audit", d.handleAPIAudit)
	mux.HandleFunc("/api/verify", d.handleAPIVerify)
	mux.HandleFunc("/api/summary", d.handleAPISummary)

	return mux
}

// BroadcastRecord sends a committed record to all connected WebSocket
// clients. Fed by the audit-directory watcher while serve runs.
// Non-blocking — with no clients connected the record is dropped.
func (d *Dashboard) BroadcastRecord(rec audit.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to marshal broadcast record", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// --- REST API Handlers ---

// handleAPIStatus returns trail status information.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	dates, err := d.sink.SegmentDates()
	if err != nil {
		slog.Error("listing segments failed", "error", err)
		http.Error(w, "listing segments failed", http.StatusInternalServerError)
		return
	}

	today := time.Now().UTC().Format("20060102")
	tip, err := d.sink.DigestTip(today)
	if err != nil {
		slog.Warn("reading digest tip failed", "segment", today, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "running",
		"audit_dir": d.sink.Dir(),
		"segments":  len(dates),
		"today":     today,
		"chain_tip": tip,
	})
}

// segmentJSON is one row of the /api/segments response.
type segmentJSON struct {
	Date     string `json:"date"`
	Records  int    `json:"records"`
	Verified int    `json:"verified"`
	Valid    bool   `json:"valid"`
}

// handleAPISegments returns all segments with their verification state.
// GET /api/segments
//
// Each segment is fully re-verified per request; segment files are
// day-sized, so the replay is cheap relative to a page load.
func (d *Dashboard) handleAPISegments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	reports, err := d.sink.VerifyAll()
	if err != nil {
		slog.Error("segment verification failed", "error", err)
		http.Error(w, "segment verification failed", http.StatusInternalServerError)
		return
	}

	segments := make([]segmentJSON, 0, len(reports))
	for _, report := range reports {
		segments = append(segments, segmentJSON{
			Date:     report.Date,
			Records:  report.TotalRecords,
			Verified: report.Verified,
			Valid:    report.Valid,
		})
	}
	writeJSON(w, http.StatusOK, segments)
}

// handleAPIAudit returns recent records.
// GET /api/audit?limit=50&action=UPLOAD&result=FAILURE&actor=admin*
func (d *Dashboard) handleAPIAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := d.sink.Query(audit.QueryParams{
		Actor:  r.URL.Query().Get("actor"),
		Action: r.URL.Query().Get("action"),
		Result: r.URL.Query().Get("result"),
		Since:  r.URL.Query().Get("since"),
		Limit:  limit,
	})
	if err != nil {
		slog.Error("audit query failed", "error", err)
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

// handleAPIVerify returns the full verification report for one segment.
// GET /api/verify?date=20260830
func (d *Dashboard) handleAPIVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("20060102")
	}

	report, err := d.sink.VerifySegment(date)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAPISummary returns the activity summary for a trailing window.
// GET /api/summary?since=24h
func (d *Dashboard) handleAPISummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	window := 24 * time.Hour
	if since := r.URL.Query().Get("since"); since != "" {
		parsed, err := time.ParseDuration(since)
		if err != nil {
			http.Error(w, "invalid since duration", http.StatusBadRequest)
			return
		}
		window = parsed
	}

	summary, err := d.sink.Summarize(audit.SummaryParams{
		From: time.Now().UTC().Add(-window),
	})
	if err != nil {
		slog.Error("summary failed", "error", err)
		http.Error(w, "summary failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded HTML for the dashboard. Minimal single
// page that shows trail status, segment integrity, a 24h summary, and
// the live record feed. Refreshes via periodic fetch + WebSocket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>trailkeep</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .valid { color: #3fb950; }
  .broken { color: #f85149; font-weight: bold; }
  .result-SUCCESS { color: #3fb950; }
  .result-FAILURE, .result-ERROR { color: #f85149; }
  .result-REJECTED { color: #d29922; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
</style>
</head>
<body>
<h1>trailkeep</h1>
<p class="subtitle">Tamper-evident audit trail</p>

<div class="grid">
  <div class="card">
    <h2>Segments</h2>
    <table>
      <thead><tr><th>Date</th><th>Records</th><th>Verified</th><th>Integrity</th></tr></thead>
      <tbody id="segments-tbody"><tr><td colspan="4">Loading...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>Last 24 hours</h2>
    <table>
      <thead><tr><th>Action</th><th>Count</th></tr></thead>
      <tbody id="summary-tbody"><tr><td colspan="2">Loading...</td></tr></tbody>
    </table>
    <p id="summary-totals" style="margin-top:8px;color:#8b949e;font-size:12px;"></p>
  </div>
</div>

<div class="card">
  <h2>Live Record Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
async function refresh() {
  try {
    const [segRes, sumRes, auditRes] = await Promise.all([
      fetch('/api/segments'), fetch('/api/summary?since=24h'), fetch('/api/audit?limit=20')
    ]);
    renderSegments(await segRes.json());
    renderSummary(await sumRes.json());
    renderFeed(await auditRes.json());
  } catch(e) { console.error('refresh failed:', e); }
}

function renderSegments(segments) {
  const tbody = document.getElementById('segments-tbody');
  if (!segments || segments.length === 0) { tbody.innerHTML = '<tr><td colspan="4">No segments yet</td></tr>'; return; }
  tbody.innerHTML = segments.map(s => {
    const state = s.valid ? '<span class="valid">VALID</span>' : '<span class="broken">BROKEN</span>';
    return '<tr><td>' + esc(s.date) + '</td><td>' + s.records + '</td><td>' + s.verified + '</td><td>' + state + '</td></tr>';
  }).join('');
}

function renderSummary(summary) {
  const tbody = document.getElementById('summary-tbody');
  const actions = Object.entries(summary.by_action || {});
  if (actions.length === 0) { tbody.innerHTML = '<tr><td colspan="2">No activity</td></tr>'; }
  else {
    tbody.innerHTML = actions.map(([a, n]) =>
      '<tr><td>' + esc(a) + '</td><td>' + n + '</td></tr>').join('');
  }
  document.getElementById('summary-totals').textContent =
    summary.total_verified + ' verified / ' + summary.raw_total + ' raw' +
    (summary.skipped_inconsistent ? ' (' + summary.skipped_inconsistent + ' inconsistent skipped)' : '');
}

function feedLine(r) {
  return '[' + esc(r.timestamp) + '] actor=' + esc(r.actor_name || 'anonymous') +
    ' action=' + esc(r.action) + ' <span class="result-' + esc(r.result) + '">' + esc(r.result) + '</span>';
}

function renderFeed(records) {
  const feed = document.getElementById('live-feed');
  if (!records || records.length === 0) { feed.innerHTML = '<div class="feed-entry">No records yet</div>'; return; }
  feed.innerHTML = records.map(r => '<div class="feed-entry">' + feedLine(r) + '</div>').join('');
}

// WebSocket for live updates.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const rec = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = feedLine(rec);
      feed.insertBefore(div, feed.firstChild);
      // Keep feed under 100 entries.
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
