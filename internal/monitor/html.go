package monitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Fitness Session Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { max-width: 960px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .badge { padding: 4px 10px; border-radius: 12px; background: #444; }
        .badge.running { background: #2a7; }
        .badge.stopped { background: #a33; }
        .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-top: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        table { width: 100%; border-collapse: collapse; }
        td { padding: 4px; border-bottom: 1px solid #333; }
        td.value { text-align: right; font-family: monospace; }
        button { padding: 6px 12px; margin-right: 6px; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>Fitness Session Monitor</h1>
            <span class="badge" id="state-badge">Waiting for data...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Session</h2>
                <table>
                    <tr><td>Session</td><td class="value" id="session-id">-</td></tr>
                    <tr><td>Frames read</td><td class="value" id="frames-read">0</td></tr>
                    <tr><td>Frames dropped</td><td class="value" id="frames-dropped">0</td></tr>
                    <tr><td>Results</td><td class="value" id="results">0</td></tr>
                    <tr><td>Camera fps</td><td class="value" id="camera-fps">-</td></tr>
                    <tr><td>Inference fps</td><td class="value" id="inference-fps">-</td></tr>
                </table>
            </div>

            <div class="panel">
                <h2>Outputs</h2>
                <table id="fields"></table>
                <p id="last-seq">-</p>
            </div>

            <div class="panel">
                <h2>Recording</h2>
                <button type="button" id="btn-record-start">Start</button>
                <button type="button" id="btn-record-stop">Stop</button>
                <p id="recording-status">-</p>
            </div>
        </div>
    </div>

    <script>
        const $ = (id) => document.getElementById(id);

        function formatValue(v) {
            if (v === null || v === undefined) return '-';
            if (typeof v === 'number') return Number.isInteger(v) ? String(v) : v.toFixed(3);
            if (Array.isArray(v)) {
                return v.slice(0, 3).map((p) => p.label ? p.label + ' ' + p.score.toFixed(2) : formatValue(p)).join(', ');
            }
            return String(v);
        }

        function renderFields(fields) {
            const table = $('fields');
            table.innerHTML = '';
            Object.keys(fields || {}).sort().forEach((key) => {
                const row = table.insertRow();
                row.insertCell().textContent = key;
                const cell = row.insertCell();
                cell.className = 'value';
                cell.textContent = formatValue(fields[key]);
            });
        }

        const status = new EventSource('/api/status/stream');
        status.onmessage = (ev) => {
            const data = JSON.parse(ev.data);
            const s = data.session;
            if (!s) return;
            const badge = $('state-badge');
            badge.textContent = s.state;
            badge.className = 'badge ' + s.state;
            $('session-id').textContent = s.session_id;
            $('frames-read').textContent = s.frames_read;
            $('frames-dropped').textContent = s.frames_dropped;
            $('results').textContent = s.results;
            $('camera-fps').textContent = data.pipeline.camera_fps.toFixed(1);
            $('inference-fps').textContent = data.pipeline.inference_fps.toFixed(1);
        };

        const records = new EventSource('/api/records/stream');
        records.onmessage = (ev) => {
            const rec = JSON.parse(ev.data);
            if (!rec.has_result) return;
            renderFields(rec.fields);
            $('last-seq').textContent = 'frame #' + rec.seq;
        };

        async function showRecording() {
            const body = await (await fetch('/api/recording/status')).json();
            $('recording-status').textContent = body.error
                ? body.error
                : (body.recording ? 'recording ' + body.filename + ' (' + body.record_count + ' records)' : 'idle');
        }
        async function recording(action) {
            const body = await (await fetch('/api/recording/' + action, { method: 'POST' })).json();
            if (body.error) {
                $('recording-status').textContent = body.error;
                return;
            }
            showRecording();
        }
        $('btn-record-start').onclick = () => recording('start');
        $('btn-record-stop').onclick = () => recording('stop');
        showRecording();
    </script>
</body>
</html>
`
