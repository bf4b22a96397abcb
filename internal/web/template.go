package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/battery-tester/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"orUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"mAh": func(ah float64) string {
		return fmt.Sprintf("%.1f", ah*1000)
	},
	"css": func(s string) template.CSS {
		return template.CSS(s)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Battery Tester ({{len .Channels}} slots, {{orUnknown (printf "%s" .Phase)}})</title>
<style>
body { font-family: monospace; max-width: 900px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.dot { display: inline-block; width: 12px; height: 12px; border-radius: 50%; border: 1px solid #888; vertical-align: middle; }
.fault { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Battery Tester: {{orUnknown (printf "%s" .Phase)}}</h1>

<h2>Channels</h2>
<table>
<tr><th></th><th>Slot</th><th>Battery</th><th>State</th><th>Voltage</th><th>Current</th><th>Charge (mAh)</th><th>Cycles</th><th>Elapsed</th><th>Log</th></tr>
{{range .Channels}}<tr id="slot-{{.Slot}}">
<td><span class="dot" style="background: {{css .Color.Hex}}"></span></td>
<td><a href="/slots/{{.Slot}}">{{.Slot}}</a></td>
<td>{{.Battery}}</td>
<td{{if .Fault}} class="fault"{{end}}>{{orUnknown (printf "%s" .State)}}{{if .Fault}} (sensor fault){{end}}</td>
<td>{{printf "%.3f" .Voltage}} V</td>
<td>{{printf "%.3f" .Current}} A</td>
<td>{{mAh .Charge}}{{range .CycleCharges}} / {{mAh .}}{{end}}</td>
<td>{{.Cycles}}/{{$.Config.MaxCycles}}</td>
<td>{{uptime .Elapsed}}</td>
<td>{{.LogFile}}{{if .WriteFailures}} <span class="fault">{{.WriteFailures}} write errors</span>{{end}}{{if .ReadFailures}} <span class="fault">{{.ReadFailures}} read errors</span>{{end}}</td>
</tr>
{{else}}<tr><td colspan="10">no channels</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}disabled{{end}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
{{if not .RunStart.IsZero}}<tr><th>Run started</th><td>{{.RunStart.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>{{end}}
<tr><th>Sensor</th><td>{{.Config.Sensor}}</td></tr>
<tr><th>Log directory</th><td>{{.Config.LogDir}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Auto stop</th><td>{{if .Config.AutoStop}}yes{{else}}no{{end}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
