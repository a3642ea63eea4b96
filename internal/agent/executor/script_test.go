package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestExecuteRunsScript(t *testing.T) {
	requirePython(t)

	se := NewScriptExecutor(zap.NewNop())
	se.WorkspaceDir = t.TempDir()

	res, err := se.Execute(context.Background(), Request{
		JobID:          "job_ok",
		Script:         "print('done')\n",
		TimeoutSeconds: 30,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("got success=%v exit=%d stderr=%q", res.Success, res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "done") {
		t.Errorf("stdout = %q, want it to contain %q", res.Stdout, "done")
	}
}

// Installed requirements land in the workspace deps directory; the script
// must be able to import them from there.
func TestExecuteImportsInstalledPackages(t *testing.T) {
	requirePython(t)

	se := NewScriptExecutor(zap.NewNop())
	se.WorkspaceDir = t.TempDir()

	// Seed the deps directory the way a pip install --target run leaves it.
	pkgDir := filepath.Join(se.WorkspaceDir, "swarm-job_deps", "deps", "localpkg")
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	initPy := "GREETING = 'hello from localpkg'\n"
	if err := os.WriteFile(filepath.Join(pkgDir, "__init__.py"), []byte(initPy), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	res, err := se.Execute(context.Background(), Request{
		JobID:          "job_deps",
		Script:         "import localpkg\nprint(localpkg.GREETING)\n",
		TimeoutSeconds: 30,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("got success=%v exit=%d stderr=%q", res.Success, res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "hello from localpkg") {
		t.Errorf("stdout = %q, want the imported greeting", res.Stdout)
	}
}

func TestExecuteReportsScriptFailure(t *testing.T) {
	requirePython(t)

	se := NewScriptExecutor(zap.NewNop())
	se.WorkspaceDir = t.TempDir()

	res, err := se.Execute(context.Background(), Request{
		JobID:          "job_bad",
		Script:         "import sys\nsys.exit(3)\n",
		TimeoutSeconds: 30,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure result")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}
