package cli

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"duck-coordinator/internal/admission"
	"duck-coordinator/internal/api"
	"duck-coordinator/internal/registry"
	"duck-coordinator/internal/service/query"
	"duck-coordinator/internal/testutil"
)

// captureStdout redirects os.Stdout to a pipe and returns a function
// that restores stdout and returns the captured output.
// Uses a goroutine to read concurrently, avoiding pipe buffer deadlocks.
func captureStdout(t *testing.T) func() string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	return func() string {
		_ = w.Close()
		<-done
		os.Stdout = old
		return buf.String()
	}
}

// newGateway serves the gateway API over a scripted engine.
func newGateway(t *testing.T, eng *testutil.MockEngine) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	adm, err := admission.NewController(admission.Config{BucketSize: 100})
	require.NoError(t, err)
	svc := query.NewQueryService(registry.New(), eng, adm, logger)
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(svc, logger, ""), api.RouterConfig{Logger: logger}))
	t.Cleanup(srv.Close)
	return srv
}

// runCLI executes the root command with a clean HOME and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	restore := captureStdout(t)
	err := cmd.ExecuteContext(context.Background())
	return restore(), err
}

func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DUCKQ_HOST", "")
	t.Setenv("DUCKQ_OUTPUT", "")
	t.Setenv("DUCKQ_PREFIX_URL", "")
}
