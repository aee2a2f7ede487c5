package actions

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/riskflow/pkg/schema"
)

// inlineInterpreters run script content passed on the command line.
var inlineInterpreters = map[schema.ScriptType][]string{
	schema.ScriptBash:       {"bash", "-c"},
	schema.ScriptPython:     {"python3", "-c"},
	schema.ScriptJavaScript: {"node", "-e"},
	schema.ScriptRuby:       {"ruby", "-e"},
	schema.ScriptPowerShell: {"pwsh", "-NoProfile", "-NonInteractive", "-Command"},
}

// preparedScript is a script ready to run: an optional build step, the run
// command and the temporary directory holding any files written for it.
type preparedScript struct {
	label string
	build []string
	argv  []string
	dir   string
}

func (p *preparedScript) cleanup() {
	if p.dir != "" {
		os.RemoveAll(p.dir)
	}
}

// prepareScript builds the argv for a script. Content is never interpolated
// into a shell string; it is passed as a single argument or written to a file.
func prepareScript(s schema.RunScript) (*preparedScript, error) {
	if strings.TrimSpace(s.Content) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "script content is empty")
	}

	if prefix, ok := inlineInterpreters[s.ScriptType]; ok {
		argv := append(append([]string(nil), prefix...), s.Content)
		if s.ScriptType == schema.ScriptBash {
			// bash -c binds the first argument after the script to $0
			argv = append(argv, "bash")
		}
		return &preparedScript{label: string(s.ScriptType), argv: append(argv, s.Arguments...)}, nil
	}

	switch s.ScriptType {
	case schema.ScriptRust:
		dir, err := writeTemp("main.rs", s.Content)
		if err != nil {
			return nil, err
		}
		bin := filepath.Join(dir, "main")
		return &preparedScript{
			label: "rust",
			build: []string{"rustc", "-O", "-o", bin, filepath.Join(dir, "main.rs")},
			argv:  append([]string{bin}, s.Arguments...),
			dir:   dir,
		}, nil

	case schema.ScriptCustom:
		interp := strings.Fields(s.Interpreter)
		if len(interp) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "custom script needs an interpreter")
		}
		dir, err := writeTemp("script", s.Content)
		if err != nil {
			return nil, err
		}
		argv := append(interp, filepath.Join(dir, "script"))
		return &preparedScript{label: interp[0], argv: append(argv, s.Arguments...), dir: dir}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported script type %q", s.ScriptType)
	}
}

func writeTemp(name, content string) (string, error) {
	dir, err := os.MkdirTemp("", "riskflow-script-*")
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecutionFailed, "create script directory").WithCause(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o700); err != nil {
		os.RemoveAll(dir)
		return "", schema.NewError(schema.ErrCodeExecutionFailed, "write script file").WithCause(err)
	}
	return dir, nil
}
