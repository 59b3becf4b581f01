package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"dockyard/internal/model"
)

const dockerProgram = "docker"

var allowedDockerCommands = map[string]bool{
	"ps":      true,
	"version": true,
	"info":    true,
	"images":  true,
}

var allowedComposeSubcommands = map[string]bool{
	"up":      true,
	"down":    true,
	"ps":      true,
	"logs":    true,
	"pull":    true,
	"build":   true,
	"restart": true,
	"start":   true,
	"stop":    true,
	"top":     true,
	"config":  true,
	"version": true,
	"rm":      true,
}

var allowedBuildxSubcommands = map[string]bool{
	"build":   true,
	"bake":    true,
	"ls":      true,
	"inspect": true,
	"create":  true,
	"use":     true,
	"rm":      true,
	"stop":    true,
	"version": true,
	"prune":   true,
}

// Compose global options allowed before the subcommand, mapped to whether
// they take a value.
var composeGlobalOptions = map[string]bool{
	"--project-directory": true,
	"--profile":           true,
	"--file":              true,
	"-f":                  true,
	"--env-file":          true,
	"--project-name":      true,
	"-p":                  true,
	"--ansi":              true,
	"--parallel":          true,
	"--progress":          true,
	"--compatibility":     false,
}

var composePathOptions = map[string]bool{
	"--project-directory": true,
	"--file":              true,
	"-f":                  true,
	"--env-file":          true,
}

var shellMetacharacters = []string{";", "&&", "|", "`"}

// ValidatedCommand is an argument vector that passed CommandPolicy. It is
// immutable; Argv returns a copy.
type ValidatedCommand struct {
	argv       []string
	workspace  string
	projectDir string
}

func (c ValidatedCommand) Argv() []string {
	return append([]string(nil), c.argv...)
}

func (c ValidatedCommand) Workspace() string {
	return c.workspace
}

func (c ValidatedCommand) ProjectDir() string {
	return c.projectDir
}

func (c ValidatedCommand) String() string {
	return strings.Join(c.argv, " ")
}

type CommandPolicyOptions struct {
	Workspace      string
	ProjectDir     string
	HostProjectDir string
}

// CommandPolicy validates raw command lines against the docker allow-list
// and rewrites compose invocations so they always carry an explicit project
// directory, compose file and env file.
type CommandPolicy struct {
	workspace      string
	projectDir     string
	hostProjectDir string
}

func NewCommandPolicy(options CommandPolicyOptions) (*CommandPolicy, error) {
	workspace := strings.TrimSpace(options.Workspace)
	if workspace == "" || !filepath.IsAbs(workspace) {
		return nil, fmt.Errorf("workspace must be an absolute path, got %q", options.Workspace)
	}
	workspace = filepath.Clean(workspace)
	projectDir := strings.TrimSpace(options.ProjectDir)
	if projectDir == "" {
		projectDir = workspace
	}
	if !filepath.IsAbs(projectDir) {
		projectDir = filepath.Join(workspace, projectDir)
	}
	return &CommandPolicy{
		workspace:      workspace,
		projectDir:     filepath.Clean(projectDir),
		hostProjectDir: strings.TrimSpace(options.HostProjectDir),
	}, nil
}

func (p *CommandPolicy) Workspace() string {
	return p.workspace
}

func (p *CommandPolicy) ProjectDir() string {
	return p.projectDir
}

func (p *CommandPolicy) Validate(raw string) (ValidatedCommand, error) {
	tokens := Tokenize(raw)
	if len(tokens) < 2 {
		return ValidatedCommand{}, invalidCommand("command too short; expected 'docker <command> ...'")
	}
	if tokens[0] != dockerProgram {
		return ValidatedCommand{}, invalidCommand("only 'docker' commands are allowed")
	}
	for _, token := range tokens {
		if isDisallowedOption(token) {
			return ValidatedCommand{}, invalidCommand("disallowed docker option: %s", token)
		}
		for _, meta := range shellMetacharacters {
			if strings.Contains(token, meta) {
				return ValidatedCommand{}, invalidCommand("disallowed shell metacharacter %q in %q", meta, token)
			}
		}
	}

	switch command := tokens[1]; command {
	case "compose":
		return p.validateCompose(tokens)
	case "buildx":
		return p.validateBuildx(tokens)
	case "builder":
		return p.validateBuilder(tokens)
	default:
		if !allowedDockerCommands[command] {
			return ValidatedCommand{}, invalidCommand("docker command not allowed: %s", command)
		}
		return p.validated(tokens), nil
	}
}

func (p *CommandPolicy) validated(argv []string) ValidatedCommand {
	return ValidatedCommand{
		argv:       append([]string(nil), argv...),
		workspace:  p.workspace,
		projectDir: p.projectDir,
	}
}

func (p *CommandPolicy) validateCompose(tokens []string) (ValidatedCommand, error) {
	if len(tokens) < 3 {
		return ValidatedCommand{}, invalidCommand("command too short; expected 'docker compose <subcommand> ...'")
	}

	hasProjectDir := false
	hasFile := false
	hasEnvFile := false

	i := 2
	for i < len(tokens) {
		token := tokens[i]
		if !strings.HasPrefix(token, "-") {
			break
		}

		option := token
		inlineValue := ""
		hasInline := false
		if eq := strings.Index(token, "="); eq > 0 && strings.HasPrefix(token, "--") {
			option = token[:eq]
			inlineValue = token[eq+1:]
			// An empty inline value falls back to the next token.
			hasInline = inlineValue != ""
		}

		takesValue, known := composeGlobalOptions[option]
		if !known {
			return ValidatedCommand{}, invalidCommand("compose global option not allowed: %s", token)
		}
		switch option {
		case "--project-directory":
			hasProjectDir = true
		case "--file", "-f":
			hasFile = true
		case "--env-file":
			hasEnvFile = true
		}

		if !takesValue {
			if hasInline {
				return ValidatedCommand{}, invalidCommand("option does not take a value: %s", option)
			}
			i++
			continue
		}

		value := inlineValue
		if hasInline {
			i++
		} else {
			if i+1 >= len(tokens) {
				return ValidatedCommand{}, invalidCommand("missing value for option: %s", option)
			}
			value = tokens[i+1]
			i += 2
		}
		if composePathOptions[option] {
			if err := p.checkComposePath(value); err != nil {
				return ValidatedCommand{}, err
			}
		}
	}

	if i >= len(tokens) {
		return ValidatedCommand{}, invalidCommand("missing compose subcommand (e.g. up, down, ps, logs)")
	}
	if sub := tokens[i]; !allowedComposeSubcommands[sub] {
		return ValidatedCommand{}, invalidCommand("compose subcommand not allowed: %s", sub)
	}

	injected := make([]string, 0, 6)
	if !hasProjectDir {
		injected = append(injected, "--project-directory", p.projectDir)
	}
	if !hasFile {
		injected = append(injected, "-f", filepath.Join(p.projectDir, "docker-compose.yml"))
	}
	if !hasEnvFile {
		injected = append(injected, "--env-file", filepath.Join(p.projectDir, ".env"))
	}

	argv := make([]string, 0, len(tokens)+len(injected))
	argv = append(argv, tokens[:2]...)
	argv = append(argv, injected...)
	argv = append(argv, tokens[2:]...)
	return p.validated(argv), nil
}

// checkComposePath accepts foreign-OS absolute paths verbatim only when a
// host project directory is configured; everything else must stay under
// the workspace.
func (p *CommandPolicy) checkComposePath(value string) error {
	if isForeignAbsolutePath(value) {
		if p.hostProjectDir != "" {
			return nil
		}
		return model.NewError(model.KindPathEscapesWorkspace, "host path %s requires a configured host project directory", value)
	}
	_, err := p.ensureUnderWorkspace(value)
	return err
}

func (p *CommandPolicy) validateBuildx(tokens []string) (ValidatedCommand, error) {
	if len(tokens) < 3 {
		return ValidatedCommand{}, invalidCommand("command too short; expected 'docker buildx <subcommand> ...'")
	}
	subIndex := -1
	for i := 2; i < len(tokens); i++ {
		if allowedBuildxSubcommands[tokens[i]] {
			subIndex = i
			break
		}
	}
	if subIndex < 0 {
		return ValidatedCommand{}, invalidCommand("buildx subcommand not allowed or missing")
	}

	if tokens[subIndex] == "build" {
		for i := subIndex + 1; i < len(tokens); i++ {
			token := tokens[i]
			switch {
			case token == "-f" || token == "--file":
				if i+1 >= len(tokens) {
					return ValidatedCommand{}, invalidCommand("missing value for option: %s", token)
				}
				if _, err := p.ensureUnderWorkspace(tokens[i+1]); err != nil {
					return ValidatedCommand{}, err
				}
				i++
			case strings.HasPrefix(token, "--file="):
				if _, err := p.ensureUnderWorkspace(strings.TrimPrefix(token, "--file=")); err != nil {
					return ValidatedCommand{}, err
				}
			case strings.HasPrefix(token, "-f") && len(token) > 2:
				// Attached short form: -fPATH or -f=PATH.
				value := strings.TrimPrefix(strings.TrimPrefix(token, "-f"), "=")
				if _, err := p.ensureUnderWorkspace(value); err != nil {
					return ValidatedCommand{}, err
				}
			}
		}
	}
	return p.validated(tokens), nil
}

func (p *CommandPolicy) validateBuilder(tokens []string) (ValidatedCommand, error) {
	if len(tokens) < 3 {
		return ValidatedCommand{}, invalidCommand("command too short; expected 'docker builder prune ...'")
	}
	if sub := tokens[2]; sub != "prune" {
		return ValidatedCommand{}, invalidCommand("builder subcommand not allowed: %s", sub)
	}

	hasAll := false
	hasForce := false
	for _, token := range tokens[3:] {
		switch token {
		case "-a", "--all":
			hasAll = true
		case "-f", "--force":
			hasForce = true
		default:
			return ValidatedCommand{}, invalidCommand("builder prune option not allowed: %s", token)
		}
	}
	if !hasAll {
		return ValidatedCommand{}, invalidCommand("builder prune requires -a/--all")
	}
	if !hasForce {
		return ValidatedCommand{}, invalidCommand("builder prune requires --force")
	}
	return p.validated(tokens), nil
}

// ensureUnderWorkspace resolves candidate against the workspace and returns
// the absolute path when it is the workspace itself or a descendant.
func (p *CommandPolicy) ensureUnderWorkspace(candidate string) (string, error) {
	resolved := candidate
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(p.workspace, resolved)
	}
	resolved = filepath.Clean(resolved)
	if !isWithin(p.workspace, resolved) {
		return "", model.NewError(model.KindPathEscapesWorkspace, "path must be under workspace %s: %s", p.workspace, resolved)
	}
	return resolved, nil
}

func isWithin(root string, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isDisallowedOption(token string) bool {
	name := token
	if eq := strings.Index(token, "="); eq > 0 {
		name = token[:eq]
	}
	switch name {
	case "-H", "--host", "--context", "--config":
		return true
	}
	return strings.HasPrefix(name, "--tls")
}

// isForeignAbsolutePath recognizes Windows drive-letter and backslash UNC
// paths, which are not absolute to this process but are to a host docker
// engine. A leading "//" is a plain POSIX absolute path and is not foreign.
func isForeignAbsolutePath(path string) bool {
	if len(path) >= 3 && isASCIILetter(path[0]) && path[1] == ':' && (path[2] == '\\' || path[2] == '/') {
		return true
	}
	return strings.HasPrefix(path, `\\`)
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func invalidCommand(format string, args ...any) error {
	return model.NewError(model.KindInvalidCommand, format, args...)
}
