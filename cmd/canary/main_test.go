package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	cc "github.com/linnemanlabs/canary/internal/cfg"
	"github.com/linnemanlabs/canary/internal/llm/claude"
	"github.com/linnemanlabs/canary/internal/memstore"
	"github.com/linnemanlabs/canary/internal/pgstore"
	"github.com/linnemanlabs/canary/internal/pipeline"
	"github.com/linnemanlabs/canary/internal/postgres"
	"github.com/linnemanlabs/canary/internal/runs"
)

var (
	_ store = (*memstore.Store)(nil)
	_ store = (*pgstore.Store)(nil)
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

type fixedRunner struct {
	res *pipeline.Result
	ctx context.Context
}

func (f *fixedRunner) Run(ctx context.Context) *pipeline.Result {
	f.ctx = ctx
	return f.res
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  pipeline.Status
		wantErr bool
	}{
		{"success", pipeline.StatusSuccess, false},
		{"error", pipeline.StatusError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := memstore.New()
			runner := &fixedRunner{res: &pipeline.Result{Status: tt.status, CasesFound: 3}}
			svc := runs.NewService(st, st, runner, log.Nop(), runs.Options{})

			var out bytes.Buffer
			err := runOnce(context.Background(), svc, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("runOnce() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, errRunFailed) {
				t.Errorf("error = %v, want errRunFailed", err)
			}

			var got pipeline.Result
			if err := json.Unmarshal(out.Bytes(), &got); err != nil {
				t.Fatalf("output is not a result: %v\n%s", err, out.String())
			}
			if got.Status != tt.status || got.CasesFound != 3 {
				t.Errorf("result = %+v", got)
			}

			rec, ok, err := st.Latest(context.Background())
			if err != nil || !ok {
				t.Fatalf("Latest: ok=%v err=%v", ok, err)
			}
			if rec.Status.Active() {
				t.Errorf("stored run status = %q, want finished", rec.Status)
			}
		})
	}
}

func TestWriteResult_NilResult(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := writeResult(&out, &runs.Record{ID: "01X"})
	if !errors.Is(err, errRunFailed) {
		t.Errorf("error = %v, want errRunFailed", err)
	}
	if strings.TrimSpace(out.String()) != "null" {
		t.Errorf("output = %q, want null", out.String())
	}
}

func TestStatsRunner_AttachesStats(t *testing.T) {
	t.Parallel()

	inner := &fixedRunner{res: &pipeline.Result{Status: pipeline.StatusSuccess}}
	res := statsRunner{next: inner, logger: log.Nop()}.Run(context.Background())
	if res != inner.res {
		t.Fatal("statsRunner should return the inner result")
	}

	st, ok := postgres.StatsFromContext(inner.ctx)
	if !ok {
		t.Fatal("inner runner context has no db stats")
	}
	st.AddQuery(5*time.Millisecond, nil)
	if n, _, _ := st.Snapshot(); n != 1 {
		t.Errorf("queries = %d, want 1", n)
	}
}

func TestSeed(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	path := filepath.Join("..", "..", "internal", "memstore", "testdata", "fixture.yaml")
	if err := seed(context.Background(), st, path); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases, err := st.CasesSince(context.Background(), time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) == 0 {
		t.Error("expected seeded cases within the last 30 days")
	}
}

func TestSeed_MissingFile(t *testing.T) {
	t.Parallel()

	err := seed(context.Background(), memstore.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "load seed file") {
		t.Errorf("error = %v, want load seed file error", err)
	}
}

func TestNewProvider_Claude(t *testing.T) {
	t.Parallel()

	c := &cc.Config{LLMProvider: cc.ProviderClaude, ClaudeAPIKey: "k", ClaudeModel: "claude-test"}
	p, model, err := newProvider(context.Background(), c, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*claude.Client); !ok {
		t.Errorf("provider = %T, want *claude.Client", p)
	}
	if model != "claude-test" {
		t.Errorf("model = %q, want claude-test", model)
	}
}

func TestNewProvider_Unknown(t *testing.T) {
	t.Parallel()

	_, _, err := newProvider(context.Background(), &cc.Config{LLMProvider: "gemini"}, log.Nop())
	if err == nil || !strings.Contains(err.Error(), "gemini") {
		t.Errorf("error = %v, want unknown provider", err)
	}
}
