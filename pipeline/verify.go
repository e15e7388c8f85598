package pipeline

import (
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/jxucoder/telerun/model"
)

// Files and binaries probed during checkout and verify.
const (
	filePackageJSON  = "package.json"
	filePackageLock  = "package-lock.json"
	filePnpmLock     = "pnpm-lock.yaml"
	fileBunLockb     = "bun.lockb"
	fileBunLock      = "bun.lock"
	fileNpmrc        = ".npmrc"
	filePyproject    = "pyproject.toml"
	fileUvLock       = "uv.lock"
	fileRequirements = "requirements.txt"
	fileSetupPy      = "setup.py"
	binBun           = "bun"
	binPyright       = ".venv/bin/pyright"
	binMypy          = ".venv/bin/mypy"
)

// pythonMarkers identify a Python repository.
var pythonMarkers = []string{filePyproject, fileUvLock, fileRequirements, fileSetupPy}

// DetectRepoKind picks the runtime family from the files present at the
// repository root. A package.json makes a repository Node even when Python
// files are present; with neither, Node is assumed.
func DetectRepoKind(present map[string]bool) model.RepoKind {
	if present[filePackageJSON] {
		return model.RepoNode
	}
	for _, f := range pythonMarkers {
		if present[f] {
			return model.RepoPython
		}
	}
	return model.RepoNode
}

// Runtime returns the sandbox runtime for a repo kind.
func Runtime(kind model.RepoKind) string {
	if kind == model.RepoPython {
		return "python3.13"
	}
	return "node22"
}

// Command is one program invocation inside the sandbox.
type Command struct {
	Name string   `json:"name"`
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

// NodeRunner resolves the package manager in the order bun, pnpm, npm.
// bun needs both its binary and a bun lockfile.
func NodeRunner(present map[string]bool) string {
	switch {
	case present[binBun] && (present[fileBunLockb] || present[fileBunLock]):
		return "bun"
	case present[filePnpmLock]:
		return "pnpm"
	default:
		return "npm"
	}
}

// NodeInstall returns the dependency install command for a Node repo.
func NodeInstall(present map[string]bool) Command {
	switch NodeRunner(present) {
	case "bun":
		return Command{Name: "install", Cmd: "bun", Args: []string{"install", "--frozen-lockfile"}}
	case "pnpm":
		return Command{Name: "install", Cmd: "pnpm", Args: []string{"install", "--frozen-lockfile"}}
	}
	if present[filePackageLock] {
		return Command{Name: "install", Cmd: "npm", Args: []string{"ci"}}
	}
	return Command{Name: "install", Cmd: "npm", Args: []string{"install"}}
}

// PythonInstall returns the uv sync command, frozen when a lockfile exists.
func PythonInstall(present map[string]bool) Command {
	if present[fileUvLock] {
		return Command{Name: "install", Cmd: "uv", Args: []string{"sync", "--frozen"}}
	}
	return Command{Name: "install", Cmd: "uv", Args: []string{"sync"}}
}

// nodeScripts are the verify stages for Node, in order.
var nodeScripts = []string{"lint", "typecheck", "test", "build"}

// NodeVerifyCommands returns "<runner> run <script>" for each verify script
// package.json defines.
func NodeVerifyCommands(runner string, scripts map[string]string) []Command {
	var cmds []Command
	for _, s := range nodeScripts {
		if _, ok := scripts[s]; !ok {
			continue
		}
		cmds = append(cmds, Command{Name: s, Cmd: runner, Args: []string{"run", s}})
	}
	return cmds
}

// PythonVerifyCommands returns ruff, a type checker and pytest. pyright is
// preferred; mypy is used when pyright is not installed.
func PythonVerifyCommands(present map[string]bool) []Command {
	cmds := []Command{{Name: "lint", Cmd: "uv", Args: []string{"run", "ruff", "check", "."}}}
	switch {
	case present[binPyright]:
		cmds = append(cmds, Command{Name: "typecheck", Cmd: "uv", Args: []string{"run", "pyright"}})
	case present[binMypy]:
		cmds = append(cmds, Command{Name: "typecheck", Cmd: "uv", Args: []string{"run", "mypy", "."}})
	}
	return append(cmds, Command{Name: "test", Cmd: "uv", Args: []string{"run", "pytest"}})
}

// pytestNoTests is pytest's exit status when nothing was collected.
const pytestNoTests = 5

// passed reports whether a verify command's exit code counts as success.
func passed(c Command, exitCode int) bool {
	if exitCode == 0 {
		return true
	}
	return c.Name == "test" && c.Cmd == "uv" && exitCode == pytestNoTests
}

// PackageScripts extracts the scripts map from package.json.
func PackageScripts(packageJSON string) (map[string]string, error) {
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(packageJSON), &pkg); err != nil {
		return nil, err
	}
	return pkg.Scripts, nil
}

var registryLine = regexp.MustCompile(`(?m)^\s*(?:@[\w.-]+:)?registry\s*=\s*(\S+)\s*$`)

// NpmrcRegistries returns the registry hosts configured in an .npmrc.
func NpmrcRegistries(npmrc string) []string {
	seen := map[string]bool{}
	for _, m := range registryLine.FindAllStringSubmatch(npmrc, -1) {
		u, err := url.Parse(m[1])
		if err != nil || u.Host == "" {
			continue
		}
		seen[strings.ToLower(u.Hostname())] = true
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
