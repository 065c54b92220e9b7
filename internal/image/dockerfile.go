package image

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ferry/internal/config"
)

// CheckResult reports how a build definition measures up against the
// release contract. Errors block the build; warnings are logged only.
type CheckResult struct {
	Errors   []string
	Warnings []string
}

// Err returns a single error summarizing the blocking violations, or nil.
func (r *CheckResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("build definition violates the release contract: %s", strings.Join(r.Errors, "; "))
}

// instruction is one parsed Dockerfile instruction with continuations joined.
type instruction struct {
	keyword string
	args    string
}

// CheckDefinition parses the Dockerfile and verifies the image contract:
// dependencies installed before the application copy (so the dependency
// layer is cache-reused across code changes), required runtime directories
// created, privileges dropped to a non-root user, the service port exposed,
// and a start command present.
func CheckDefinition(cfg config.ImageConfig) (*CheckResult, error) {
	path := filepath.Join(cfg.ContextDir, cfg.Dockerfile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read build definition %s: %w", path, err)
	}

	instructions := parseInstructions(string(data))
	result := &CheckResult{}

	depsInstallIdx := -1
	appCopyIdx := -1
	hasUser := false
	userIsRoot := false
	exposedPorts := []string{}
	hasStartCmd := false
	madeDirs := []string{}
	envSet := map[string]bool{}

	for i, ins := range instructions {
		switch ins.keyword {
		case "RUN":
			if strings.Contains(ins.args, "pip install") || strings.Contains(ins.args, "pip3 install") {
				depsInstallIdx = i
			}
			if strings.Contains(ins.args, "mkdir") {
				madeDirs = append(madeDirs, ins.args)
			}
		case "COPY", "ADD":
			if isAppCopy(ins.args) && appCopyIdx == -1 {
				appCopyIdx = i
			}
		case "USER":
			hasUser = true
			if strings.TrimSpace(ins.args) == "root" {
				userIsRoot = true
			}
		case "EXPOSE":
			exposedPorts = append(exposedPorts, strings.Fields(ins.args)...)
		case "CMD", "ENTRYPOINT":
			hasStartCmd = true
		case "ENV":
			for _, pair := range parseEnvPairs(ins.args) {
				envSet[pair] = true
			}
		}
	}

	// Layer-cache ordering: the dependency install layer must come before
	// the application copy, or every code change rebuilds the dependencies.
	if depsInstallIdx == -1 {
		result.Warnings = append(result.Warnings, "no dependency install step found")
	} else if appCopyIdx != -1 && appCopyIdx < depsInstallIdx {
		result.Errors = append(result.Errors, "application code is copied before dependencies are installed, defeating layer-cache reuse")
	}

	if !hasUser {
		result.Errors = append(result.Errors, "no USER directive: the service would run as root")
	} else if userIsRoot {
		result.Errors = append(result.Errors, "USER directive switches to root")
	}

	wantPort := fmt.Sprintf("%d", cfg.Port)
	portExposed := false
	for _, p := range exposedPorts {
		if p == wantPort || strings.HasPrefix(p, wantPort+"/") {
			portExposed = true
			break
		}
	}
	if !portExposed {
		result.Errors = append(result.Errors, fmt.Sprintf("port %d is not exposed", cfg.Port))
	}

	if !hasStartCmd {
		result.Errors = append(result.Errors, "no CMD or ENTRYPOINT: the image has no start command")
	}

	for _, dir := range cfg.RequiredDirs {
		found := false
		for _, mk := range madeDirs {
			if strings.Contains(mk, dir) {
				found = true
				break
			}
		}
		if !found {
			result.Warnings = append(result.Warnings, fmt.Sprintf("required runtime directory %s is not created", dir))
		}
	}

	for _, pair := range cfg.Env {
		if !envSet[pair] {
			result.Warnings = append(result.Warnings, fmt.Sprintf("expected environment setting %s not found", pair))
		}
	}

	return result, nil
}

// parseInstructions splits a Dockerfile into instructions, joining
// backslash continuations and dropping comments and blank lines.
func parseInstructions(content string) []instruction {
	var instructions []instruction
	var pending string

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasSuffix(line, "\\") {
			pending += strings.TrimSuffix(line, "\\") + " "
			continue
		}
		line = pending + line
		pending = ""

		parts := strings.SplitN(line, " ", 2)
		ins := instruction{keyword: strings.ToUpper(parts[0])}
		if len(parts) > 1 {
			ins.args = strings.TrimSpace(parts[1])
		}
		instructions = append(instructions, ins)
	}

	return instructions
}

// isAppCopy reports whether a COPY/ADD argument list copies the whole
// build context (the application code) rather than a specific manifest.
func isAppCopy(args string) bool {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return false
	}
	src := fields[0]
	return src == "." || src == "./" || src == "./*"
}

func parseEnvPairs(args string) []string {
	// Both "ENV KEY=value" and legacy "ENV KEY value" forms appear in the
	// wild; normalize to KEY=value.
	if strings.Contains(args, "=") {
		return strings.Fields(args)
	}
	fields := strings.Fields(args)
	if len(fields) == 2 {
		return []string{fields[0] + "=" + fields[1]}
	}
	return nil
}
