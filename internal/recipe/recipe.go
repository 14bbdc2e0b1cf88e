package recipe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"cropharvest-orchestrator/internal/runner"
)

// Recipe is a parsed container build recipe: a line-oriented subset of the
// Dockerfile format (FROM, COPY, WORKDIR, RUN, CMD) that the platform uses
// to describe its processing image.
type Recipe struct {
	// Path is the recipe's location relative to the build context, when
	// loaded from a file. Plan uses it for the builder invocation.
	Path       string
	From       string
	Directives []Directive
}

type Directive struct {
	Kind string
	Args []string
	Rest string
	Line int
}

// Parse decodes a recipe. The first non-comment line must be FROM, FROM
// appears exactly once, and at most one CMD is allowed.
func Parse(data []byte) (*Recipe, error) {
	r := &Recipe{}
	froms, cmds := 0, 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		kind, rest, _ := strings.Cut(line, " ")
		kind = strings.ToUpper(kind)
		rest = strings.TrimSpace(rest)
		args := strings.Fields(rest)

		d := Directive{Kind: kind, Args: args, Rest: rest, Line: lineNo}
		switch kind {
		case "FROM":
			froms++
			if len(r.Directives) > 0 {
				return nil, fmt.Errorf("line %d: FROM must be the first directive", lineNo)
			}
			if len(args) != 1 {
				return nil, fmt.Errorf("line %d: FROM takes exactly one image reference", lineNo)
			}
			r.From = args[0]
		case "COPY":
			if len(args) != 2 {
				return nil, fmt.Errorf("line %d: COPY takes a source and a destination", lineNo)
			}
		case "WORKDIR":
			if len(args) != 1 {
				return nil, fmt.Errorf("line %d: WORKDIR takes exactly one path", lineNo)
			}
		case "RUN":
			if rest == "" {
				return nil, fmt.Errorf("line %d: RUN requires a command", lineNo)
			}
		case "CMD":
			cmds++
			if rest == "" {
				return nil, fmt.Errorf("line %d: CMD requires a command", lineNo)
			}
		default:
			return nil, fmt.Errorf("line %d: unknown directive %q", lineNo, kind)
		}
		r.Directives = append(r.Directives, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recipe: %w", err)
	}

	if froms == 0 {
		return nil, fmt.Errorf("recipe has no FROM directive")
	}
	if cmds > 1 {
		return nil, fmt.Errorf("recipe has %d CMD directives, at most one is allowed", cmds)
	}
	return r, nil
}

// LoadFile parses the recipe at path (relative to the build context root).
func LoadFile(fsys afero.Fs, contextDir, relPath string) (*Recipe, error) {
	data, err := afero.ReadFile(fsys, filepath.Join(contextDir, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, fmt.Errorf("read recipe %s: %w", relPath, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", relPath, err)
	}
	r.Path = relPath
	return r, nil
}

// Validate checks the recipe against its build context and aggregates every
// problem: COPY sources must exist inside the context, each
// `pip install -r <path>` must resolve through a preceding COPY to a file in
// the context, and a runnable image needs a CMD.
func (r *Recipe) Validate(fsys afero.Fs, contextDir string) error {
	var errs *multierror.Error

	type copyEdge struct {
		src  string
		dest string
	}
	var copies []copyEdge
	workdir := "/"
	hasCMD := false

	resolve := func(imagePath string) (string, bool) {
		if !strings.HasPrefix(imagePath, "/") {
			imagePath = path.Join(workdir, imagePath)
		}
		for i := len(copies) - 1; i >= 0; i-- {
			dest := strings.TrimSuffix(copies[i].dest, "/")
			var rest string
			switch {
			case imagePath == dest:
				rest = ""
			case strings.HasPrefix(imagePath, dest+"/"):
				rest = imagePath[len(dest)+1:]
			default:
				continue
			}
			base := strings.TrimSuffix(copies[i].src, "/")
			if base == "." {
				base = ""
			}
			joined := path.Join(base, rest)
			// `..` segments walk toward the context root and stop there.
			for strings.HasPrefix(joined, "../") {
				joined = strings.TrimPrefix(joined, "../")
			}
			if joined == ".." || joined == "" {
				joined = "."
			}
			return joined, true
		}
		return "", false
	}

	for _, d := range r.Directives {
		switch d.Kind {
		case "COPY":
			src := strings.TrimSuffix(d.Args[0], "/")
			if src == "" {
				src = "."
			}
			exists, err := afero.Exists(fsys, filepath.Join(contextDir, filepath.FromSlash(src)))
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("line %d: stat COPY source %s: %w", d.Line, d.Args[0], err))
			} else if !exists {
				errs = multierror.Append(errs, fmt.Errorf("line %d: COPY source %s not found in build context", d.Line, d.Args[0]))
			}
			copies = append(copies, copyEdge{src: src, dest: d.Args[1]})
		case "WORKDIR":
			if strings.HasPrefix(d.Args[0], "/") {
				workdir = d.Args[0]
			} else {
				workdir = path.Join(workdir, d.Args[0])
			}
		case "RUN":
			for _, req := range requirementPaths(d.Rest) {
				rel, ok := resolve(req)
				if !ok {
					errs = multierror.Append(errs, fmt.Errorf("line %d: requirements file %s is not under any COPY destination", d.Line, req))
					continue
				}
				exists, err := afero.Exists(fsys, filepath.Join(contextDir, filepath.FromSlash(rel)))
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("line %d: stat requirements file %s: %w", d.Line, rel, err))
				} else if !exists {
					errs = multierror.Append(errs, fmt.Errorf("line %d: requirements file %s resolves to %s, which is not in the build context", d.Line, req, rel))
				}
			}
		case "CMD":
			hasCMD = true
		}
	}

	if !hasCMD {
		errs = multierror.Append(errs, fmt.Errorf("recipe has no CMD, the image would not be runnable"))
	}
	return errs.ErrorOrNil()
}

// requirementPaths extracts the `-r <path>` arguments of every pip install
// in a RUN command. Chained commands (&&, ;) are scanned independently.
func requirementPaths(command string) []string {
	var paths []string
	for _, part := range splitCommands(command) {
		fields := strings.Fields(part)
		installing := false
		for i, tok := range fields {
			if strings.HasSuffix(tok, "pip") || strings.HasSuffix(tok, "pip3") {
				if i+1 < len(fields) && fields[i+1] == "install" {
					installing = true
				}
			}
			if installing && tok == "-r" && i+1 < len(fields) {
				paths = append(paths, fields[i+1])
			}
		}
	}
	return paths
}

func splitCommands(command string) []string {
	command = strings.ReplaceAll(command, "&&", ";")
	return strings.Split(command, ";")
}

// BuildPlan is the ordered list of builder commands for one recipe.
type BuildPlan struct {
	Tag        string
	ContextDir string
	Steps      []runner.CommandSpec
}

// Plan lays out the builder invocation for this recipe: pull the base image,
// then build the context with the recipe as the build file.
func (r *Recipe) Plan(tag, contextDir string) BuildPlan {
	buildFile := r.Path
	if buildFile == "" {
		buildFile = "Dockerfile"
	}
	return BuildPlan{
		Tag:        tag,
		ContextDir: contextDir,
		Steps: []runner.CommandSpec{
			{
				Name:    "pull-base",
				Command: fmt.Sprintf("docker pull %s", r.From),
				Dir:     contextDir,
			},
			{
				Name:    "build-image",
				Command: fmt.Sprintf("docker build -t %s -f %s .", tag, buildFile),
				Dir:     contextDir,
			},
		},
	}
}

// Build executes the plan with the given commander. The first failing step
// aborts the build. observe, when non-nil, sees every finished step.
func Build(ctx context.Context, cmd runner.Commander, plan BuildPlan, observe func(runner.StepReport)) error {
	if err := runner.RunSteps(ctx, cmd, plan.Steps, observe); err != nil {
		return fmt.Errorf("build image %s: %w", plan.Tag, err)
	}
	return nil
}

// Hold blocks until ctx is cancelled, then returns nil. It is the
// processing container's idle entrypoint, standing in for
// `tail -f /dev/null` so the container stays alive for exec sessions.
func Hold(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
