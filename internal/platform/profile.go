package platform

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed profiles/*.sb
var profileFS embed.FS

// Fragment order matters: later fragments may rely on rules the earlier
// ones establish.
var fragmentNames = []string{
	"00-header",
	"10-process",
	"20-filesystem",
	"30-network",
}

// SandboxExecPath is the host sandbox launcher.
const SandboxExecPath = "/usr/bin/sandbox-exec"

// ProfileVars are the substitution values for sandbox profile templates.
// The *_REAL variants resolve symlinks, falling back to the plain path when
// resolution fails (the profile then simply repeats the same path).
type ProfileVars struct {
	CellID    string
	StateRoot string
	CellDir   string
}

// RenderProfile concatenates the embedded profile fragments with placeholder
// substitution and returns the profile text.
func RenderProfile(vars ProfileVars) string {
	replacer := strings.NewReplacer(
		"{{CELL_ID}}", vars.CellID,
		"{{STATE_ROOT}}", vars.StateRoot,
		"{{STATE_ROOT_REAL}}", realPath(vars.StateRoot),
		"{{CELL_DIR}}", vars.CellDir,
		"{{CELL_DIR_REAL}}", realPath(vars.CellDir),
	)

	var out strings.Builder
	for _, name := range fragmentNames {
		fragment, err := profileFS.ReadFile("profiles/" + name + ".sb")
		if err != nil {
			// Embedded files only go missing when the build is broken.
			panic(fmt.Sprintf("missing embedded profile fragment %s: %v", name, err))
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(&out, "; ---- %s ----\n", name)
		out.WriteString(strings.TrimRight(replacer.Replace(string(fragment)), "\n"))
		out.WriteByte('\n')
	}
	return out.String()
}

// WriteProfile stores a rendered profile under <stateRoot>/sandbox/<name>.sb
// and returns its path.
func WriteProfile(stateRoot, name, profile string) (string, error) {
	dir := filepath.Join(stateRoot, "sandbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox directory: %w", err)
	}
	path := filepath.Join(dir, name+".sb")
	if err := os.WriteFile(path, []byte(profile), 0o644); err != nil {
		return "", fmt.Errorf("write sandbox profile: %w", err)
	}
	return path, nil
}

func realPath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}
