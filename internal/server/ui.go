// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package server

import "html/template"

type hostPageData struct {
	EntryURL   string
	InstanceID string
}

// hostPage embeds the preview in a sandboxed iframe and reloads it when a newer document is
// published. Console output forwarded by the preview bootstrap is shown below the frame.
var hostPage = template.Must(template.New("host").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Playground</title>
<style>
body { margin: 0; font: 14px system-ui, sans-serif; display: flex; flex-direction: column; height: 100vh; }
header { padding: 6px 12px; background: #f3f3f3; border-bottom: 1px solid #ddd; }
#status.pending::after { content: " (pending)"; color: #888; }
iframe { flex: 1; border: 0; width: 100%; }
#diagnostics, #console { margin: 0; padding: 6px 12px; max-height: 20vh; overflow: auto; font: 12px monospace; }
#diagnostics { color: #b00020; }
</style>
</head>
<body data-instance="{{.InstanceID}}">
<header>State: <span id="status">idle</span></header>
<iframe id="preview" sandbox="allow-scripts allow-modals" src="{{.EntryURL}}"></iframe>
<pre id="diagnostics"></pre>
<pre id="console"></pre>
<script>
(function () {
  var frame = document.getElementById("preview");
  var status = document.getElementById("status");
  var diagnostics = document.getElementById("diagnostics");
  var consoleOut = document.getElementById("console");
  var shown = 0;

  function render(state) {
    status.textContent = state.state;
    status.className = state.pending ? "pending" : "";
    diagnostics.textContent = (state.error ? state.error + "\n" : "") + state.diagnostics.map(function (d) {
      return d.file + (d.line ? ":" + d.line + ":" + d.column : "") + ": " + d.severity + ": " + d.message;
    }).join("\n");
    if (state.entryUrl && state.documentSeq !== shown) {
      shown = state.documentSeq;
      consoleOut.textContent = "";
      frame.src = state.entryUrl + "?v=" + state.documentSeq;
    }
  }

  window.addEventListener("message", function (event) {
    if (event.source !== frame.contentWindow || !event.data || event.data.source !== "playground-preview") {
      return;
    }
    var msg = event.data;
    if (msg.type === "console") {
      consoleOut.textContent += "[" + msg.level + "] " + msg.text + "\n";
    } else if (msg.type === "runtime-error") {
      consoleOut.textContent += "[uncaught] " + msg.message + (msg.file ? " (" + msg.file + ":" + msg.line + ")" : "") + "\n";
    }
  });

  function connect() {
    var scheme = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(scheme + location.host + "/ws");
    ws.onmessage = function (event) { render(JSON.parse(event.data)); };
    ws.onclose = function () { setTimeout(connect, 1000); };
  }
  connect();
})();
</script>
</body>
</html>
`))
