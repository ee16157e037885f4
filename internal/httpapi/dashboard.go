package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>RelayChat Console</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.5rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    tr.team { cursor: pointer; }
    tr.team:hover { background: var(--paper); }

    .controls { display: flex; gap: 10px; margin-top: 12px; }
    .controls input { flex: 1; border-radius: 10px; border: 1px solid var(--line); padding: 8px 10px; }
    button { border: 0; border-radius: 10px; padding: 8px 14px; background: var(--accent); color: #fff; cursor: pointer; }

    #feed { list-style: none; margin: 0; padding: 0; max-height: 420px; overflow-y: auto; font-family: ui-monospace, monospace; font-size: 0.85rem; }
    #feed li { padding: 4px 0; border-bottom: 1px dashed var(--line); }
    .warn { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>RelayChat Console</h1>
      <div class="sub" id="statusMessage">loading teams</div>
    </div>

    <div class="card">
      <table>
        <thead>
          <tr><th>Team</th><th>Messages</th><th>Last id</th><th>Connections</th><th>Readers</th></tr>
        </thead>
        <tbody id="teamRows"></tbody>
      </table>
    </div>

    <div class="card">
      <div class="controls">
        <input id="team" placeholder="team id" />
        <button id="tail">Tail</button>
      </div>
      <ul id="feed"></ul>
    </div>
  </div>

  <script>
    (() => {
      const dom = {
        statusMessage: document.getElementById("statusMessage"),
        teamRows: document.getElementById("teamRows"),
        team: document.getElementById("team"),
        tail: document.getElementById("tail"),
        feed: document.getElementById("feed"),
      };
      let socket = null;

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = "sub " + (cls || "");
      }

      async function refresh() {
        try {
          const response = await fetch(window.location.origin + "/api/chat/teams");
          const data = await response.json();
          if (!response.ok) {
            throw new Error(response.status + " " + (data.code || "error") + ": " + (data.message || ""));
          }
          dom.teamRows.innerHTML = "";
          (data.teams || []).forEach((team) => {
            const row = document.createElement("tr");
            row.className = "team";
            [team.teamId, team.messageCount, team.lastMessageId, team.connections, team.readers].forEach((value) => {
              const cell = document.createElement("td");
              cell.textContent = String(value);
              row.appendChild(cell);
            });
            row.addEventListener("click", () => {
              dom.team.value = team.teamId;
              tail();
            });
            dom.teamRows.appendChild(row);
          });
          setStatus((data.teams || []).length + " teams, refreshed " + new Date().toLocaleTimeString());
        } catch (err) {
          setStatus(String(err.message || err), "warn");
        }
      }

      function append(text) {
        const item = document.createElement("li");
        item.textContent = text;
        dom.feed.prepend(item);
      }

      function tail() {
        const team = dom.team.value.trim();
        if (!team) {
          return;
        }
        if (socket) {
          socket.close();
        }
        dom.feed.innerHTML = "";
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + window.location.host + "/ws/" + encodeURIComponent(team));
        socket.onopen = () => append("listening on " + team);
        socket.onclose = () => append("disconnected from " + team);
        socket.onmessage = (event) => {
          try {
            const frame = JSON.parse(event.data);
            const channel = frame.channel ? "#" + frame.channel + " " : "";
            append(channel + frame.user + ": " + frame.message);
          } catch (err) {
            append(String(event.data));
          }
        };
      }

      dom.tail.addEventListener("click", tail);
      refresh();
      setInterval(refresh, 5000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
