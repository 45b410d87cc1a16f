package tokenstore

import (
	"context"
	"io"
	"os/exec"
	"runtime"

	"github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker-credential-helpers/credentials"
)

// defaultHelperBinary picks the OS-native credential helper program name,
// generalizing the teacher's Docker CE/Desktop credsStore-from-config.json
// resolution (pkg/oauth's Resolver/ModeDetector) down to a plain per-OS
// default: this gateway has no Docker CE/Desktop distinction to resolve,
// just a host OS whose native keyring it should use.
func defaultHelperBinary() string {
	switch runtime.GOOS {
	case "darwin":
		return "docker-credential-osxkeychain"
	case "windows":
		return "docker-credential-wincred"
	default:
		return "docker-credential-secretservice"
	}
}

// ResolveShellCredHelper builds a CredHelperAdapter backed by an external
// credential-helper binary invoked over stdin/stdout, following the exact
// shell-program wiring the teacher used for its own OAuth token storage
// (pkg/oauth's readWriteHelper/shell types): name defaults to the host OS's
// native helper when empty, and urlBase namespaces this process's entries
// within the shared keyring.
func ResolveShellCredHelper(name, urlBase string) *CredHelperAdapter {
	if name == "" {
		name = defaultHelperBinary()
	}
	return NewCredHelperAdapter(&shellHelper{program: newShellProgramFunc(name)}, urlBase)
}

// shellHelper adapts a shell-invoked credential-helper binary to
// credentials.Helper, the interface CredHelperAdapter wraps.
type shellHelper struct {
	program client.ProgramFunc
}

func (h *shellHelper) Add(creds *credentials.Credentials) error {
	return client.Store(h.program, creds)
}

func (h *shellHelper) Delete(serverURL string) error {
	return client.Erase(h.program, serverURL)
}

func (h *shellHelper) Get(serverURL string) (string, string, error) {
	creds, err := client.Get(h.program, serverURL)
	if err != nil {
		return "", "", err
	}
	return creds.Username, creds.Secret, nil
}

func (h *shellHelper) List() (map[string]string, error) {
	return client.List(h.program)
}

var _ credentials.Helper = &shellHelper{}

// newShellProgramFunc builds programs that run the named helper binary
// directly (not through a shell), one process per call, matching the
// docker-credential-helpers client.Program contract.
func newShellProgramFunc(name string) client.ProgramFunc {
	return func(args ...string) client.Program {
		return &shellProgram{cmd: exec.CommandContext(context.Background(), name, args...)}
	}
}

type shellProgram struct {
	cmd *exec.Cmd
}

func (s *shellProgram) Output() ([]byte, error) {
	return s.cmd.Output()
}

func (s *shellProgram) Input(in io.Reader) {
	s.cmd.Stdin = in
}
