package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runCLI isolates the command from any LEDGER_* settings of the host.
func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	for _, k := range []string{"LEDGER_CONFIG", "LEDGER_STORE_DRIVER", "LEDGER_ARCHIVE_DIR", "LEDGER_WITNESS_SCHEME"} {
		t.Setenv(k, "")
	}
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("output is not a JSON object: %v\n%s", err, s)
	}
	return m
}

func TestRun_Usage(t *testing.T) {
	if code, _, _ := runCLI(t); code != 2 {
		t.Fatalf("no args: exit %d", code)
	}
	code, out, _ := runCLI(t, "help")
	if code != 0 || !strings.Contains(out, "benledger handoff initiate") {
		t.Fatalf("help: exit %d\n%s", code, out)
	}
	code, _, errOut := runCLI(t, "bogus")
	if code != 2 || !strings.Contains(errOut, "unknown command: bogus") {
		t.Fatalf("unknown: exit %d\n%s", code, errOut)
	}
	if code, _, _ := runCLI(t, "--log-level", "loud", "clock", "current"); code != 2 {
		t.Fatalf("bad log level: exit %d", code)
	}
}

func TestClockEncodeDecode(t *testing.T) {
	code, out, errOut := runCLI(t, "clock", "encode", "--lamport", "5", "--wall", "2026-01-02T03:04:05Z", "--node", "n1")
	if code != 0 {
		t.Fatalf("encode: exit %d: %s", code, errOut)
	}
	enc := strings.TrimSpace(out)
	if enc != "L5@2026-01-02T03:04:05.000Z#n1" {
		t.Fatalf("encoded = %q", enc)
	}

	code, out, errOut = runCLI(t, "clock", "decode", enc)
	if code != 0 {
		t.Fatalf("decode: exit %d: %s", code, errOut)
	}
	if m := decode(t, out); m["lamport"] != float64(5) || m["node"] != "n1" {
		t.Fatalf("decoded = %v", m)
	}

	code, out, _ = runCLI(t, "clock", "encode", "--lamport", "9", "--node", "n2", "--wire")
	if code != 0 {
		t.Fatalf("encode --wire: exit %d", code)
	}
	code, out, errOut = runCLI(t, "clock", "decode", "--wire", strings.TrimSpace(out))
	if code != 0 {
		t.Fatalf("decode --wire: exit %d: %s", code, errOut)
	}
	if m := decode(t, out); m["lamport"] != float64(9) || m["node"] != "n2" {
		t.Fatalf("decoded wire = %v", m)
	}

	if code, _, _ := runCLI(t, "clock", "decode", "L-1@x#n"); code != 1 {
		t.Fatalf("malformed decode: exit %d", code)
	}
}

func TestClockReserve(t *testing.T) {
	code, out, errOut := runCLI(t, "clock", "reserve", "-n", "3")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if m := decode(t, out); m["start"] != float64(1) || m["end"] != float64(3) || m["count"] != float64(3) {
		t.Fatalf("range = %v", m)
	}
	code, _, errOut = runCLI(t, "clock", "reserve", "-n", "0")
	if code != 1 || !strings.Contains(errOut, "LEDGER-CLOCK-001") {
		t.Fatalf("zero batch: exit %d\n%s", code, errOut)
	}
}

func TestClockSync_DriftWithoutCorrection(t *testing.T) {
	code, out, errOut := runCLI(t, "clock", "sync", "--remote", "L500@2020-01-01T00:00:00.000Z#remote")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	m := decode(t, out)
	if m["synchronized"] != false || m["correctionApplied"] != false {
		t.Fatalf("sync = %v", m)
	}
}

func TestEmit(t *testing.T) {
	code, out, errOut := runCLI(t, "emit", "--type", "analysis", "--payload", `{"score": 7}`, "--witness", "claude")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	m := decode(t, out)
	if m["type"] != "ANALYSIS" || m["lamport"] != float64(1) {
		t.Fatalf("receipt = %v", m)
	}
	if ws, _ := m["witnessSignatures"].([]any); len(ws) != 1 {
		t.Fatalf("witnesses = %v", m["witnessSignatures"])
	}

	if code, _, _ := runCLI(t, "emit", "--type", "NOPE"); code != 2 {
		t.Fatalf("bad type: exit %d", code)
	}
	if code, _, _ := runCLI(t, "emit", "--type", "APPEND", "--payload", "[1]"); code != 2 {
		t.Fatalf("bad payload: exit %d", code)
	}
}

func TestNotFoundExitCode(t *testing.T) {
	for _, args := range [][]string{
		{"receipt", "show", "missing"},
		{"verify", "--id", "missing"},
		{"handoff", "show", "missing"},
		{"witness", "consensus", "--receipt", "missing"},
		{"witness", "verify", "missing"},
	} {
		code, _, errOut := runCLI(t, args...)
		if code != 3 {
			t.Fatalf("%v: exit %d\n%s", args, code, errOut)
		}
	}
}

func TestVerify(t *testing.T) {
	code, out, errOut := runCLI(t, "verify", "--chain")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if m := decode(t, out); m["valid"] != true || m["checked"] != float64(0) {
		t.Fatalf("chain = %v", m)
	}
	if code, _, _ := runCLI(t, "verify"); code != 2 {
		t.Fatalf("no target: exit %d", code)
	}
	if code, _, _ := runCLI(t, "verify", "--id", "x", "--chain"); code != 2 {
		t.Fatalf("both targets: exit %d", code)
	}
}

func TestHandoff(t *testing.T) {
	code, out, errOut := runCLI(t, "handoff", "initiate", "--from", "analysis", "--to", "governance", "--trace", "t-1")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if m := decode(t, out); m["status"] != "INITIATED" || m["traceId"] != "t-1" {
		t.Fatalf("handoff = %v", m)
	}

	code, _, errOut = runCLI(t, "handoff", "initiate", "--from", "execution", "--to", "analysis")
	if code != 1 || !strings.Contains(errOut, "LEDGER-HANDOFF-010") {
		t.Fatalf("illegal leg: exit %d\n%s", code, errOut)
	}
	if code, _, _ := runCLI(t, "handoff", "initiate", "--from", "nowhere", "--to", "analysis"); code != 2 {
		t.Fatalf("bad track: exit %d", code)
	}
	if code, _, _ := runCLI(t, "handoff", "fail", "h-1"); code != 2 {
		t.Fatalf("fail without reason: exit %d", code)
	}
	code, _, _ = runCLI(t, "handoff", "complete", "missing", "--result", `{"ok": true}`)
	if code != 3 {
		t.Fatalf("complete missing: exit %d", code)
	}
}

func TestHandoffCycle(t *testing.T) {
	code, out, errOut := runCLI(t, "handoff", "cycle", "--analysis", `{"score": 0.9}`, "--directive", `{"target": "ops"}`)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	m := decode(t, out)
	if m["success"] != true {
		t.Fatalf("cycle = %v", m)
	}
	hs, _ := m["handoffs"].([]any)
	if len(hs) != 2 {
		t.Fatalf("handoffs = %v", m["handoffs"])
	}
	second, _ := hs[1].(map[string]any)
	payload, _ := second["payload"].(map[string]any)
	if payload["target"] != "ops" || payload["command"] != "EXECUTE" {
		t.Fatalf("directive payload = %v", payload)
	}
}

func TestHandoffSweepAndStats(t *testing.T) {
	code, out, errOut := runCLI(t, "handoff", "sweep")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if m := decode(t, out); m["count"] != float64(0) {
		t.Fatalf("sweep = %v", m)
	}
	code, out, _ = runCLI(t, "handoff", "stats")
	if code != 0 {
		t.Fatalf("stats: exit %d", code)
	}
	if m := decode(t, out); m["total"] != float64(0) || m["limitMs"] != float64(60000) {
		t.Fatalf("stats = %v", m)
	}
}

func TestServe_InvalidInterval(t *testing.T) {
	if code, _, _ := runCLI(t, "serve", "--interval", "0s"); code != 1 {
		t.Fatalf("exit %d", code)
	}
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ledger.json")
	cfg := `{"archive": {"dir": "` + filepath.ToSlash(filepath.Join(dir, "archive")) + `"}}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	if code, _, _ := runCLI(t, "archive", "chain"); code != 2 {
		t.Fatalf("archive without config: exit %d", code)
	}

	code, out, errOut := runCLI(t, "--config", cfgPath, "emit", "--type", "BOOT_CONFIRM", "--payload", `{"version": "1"}`)
	if code != 0 {
		t.Fatalf("emit: exit %d: %s", code, errOut)
	}
	r := decode(t, out)

	code, out, _ = runCLI(t, "--config", cfgPath, "archive", "names")
	want := "receipt_00000001_" + r["id"].(string)
	if code != 0 || strings.TrimSpace(out) != want {
		t.Fatalf("names: exit %d, %q want %q", code, out, want)
	}

	code, out, _ = runCLI(t, "--config", cfgPath, "archive", "chain")
	if code != 0 {
		t.Fatalf("chain: exit %d", code)
	}
	doc := decode(t, out)
	if doc["lastHash"] != r["digest"] {
		t.Fatalf("chain = %v", doc)
	}

	bundlePath := filepath.Join(dir, "export.tar")
	code, _, errOut = runCLI(t, "--config", cfgPath, "archive", "export", "--out", bundlePath)
	if code != 0 {
		t.Fatalf("export: exit %d: %s", code, errOut)
	}
	if st, err := os.Stat(bundlePath); err != nil || st.Size() == 0 {
		t.Fatalf("bundle: %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(p, []byte(`{"store": {"driver": "sqlite"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, errOut := runCLI(t, "--config", p, "clock", "current")
	if code != 2 || !strings.Contains(errOut, "unknown store driver") {
		t.Fatalf("exit %d\n%s", code, errOut)
	}
}
