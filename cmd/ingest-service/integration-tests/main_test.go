package ingest_test

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/vitalsync/vitalsync/internal/common/constants"
	"github.com/vitalsync/vitalsync/internal/common/testutils"
)

var cliPath string

func TestMain(m *testing.M) {
	execPath, cleanup, err := buildCLI()
	if err != nil {
		log.Printf("Setup: failed to build CLI: %v", err)
		os.Exit(1)
	}
	defer cleanup()
	cliPath = execPath

	m.Run()
}

// buildCLI builds the CLI executable app and returns the path to the binary.
func buildCLI(extraArgs ...string) (execPath string, cleanup func(), err error) {
	moduleRoot := testutils.ModuleRoot()

	tempDir, err := os.MkdirTemp("", "vitalsync-ingest-tests-cli")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temporary directory: %v", err)
	}
	cleanup = func() {
		if err := os.RemoveAll(tempDir); err != nil {
			fmt.Fprintf(os.Stderr, "Teardown: warning: could not clean up temporary directory: %v", err)
		}
	}

	execPath = filepath.Join(tempDir, constants.IngestServiceCmdName)
	if runtime.GOOS == "windows" {
		execPath += ".exe"
	}
	cmd := exec.Command("go", "build")
	cmd.Dir = moduleRoot
	cmd.Args = append(cmd.Args, extraArgs...)
	cmd.Args = append(cmd.Args, "-o", execPath, "./cmd/ingest-service")

	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to build cli app(%v): %s", err, out)
	}

	return execPath, cleanup, err
}
