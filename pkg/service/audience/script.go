package audience

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/secmon-lab/pushblaster/pkg/utils/safe"
)

const (
	DefaultScriptTimeout = 5 * time.Minute
	DefaultInterpreter   = "python3"
)

var (
	ErrScriptNotAllowed = errors.New("audience script is not allowed")
	ErrNoScriptOutput   = errors.New("audience script produced no CSV")
)

// Script runs an audience generation script from a fixed directory. The script is called as
//
//	<interpreter> <dir>/<name> --output_dir <tmp> [--key value ...]
//
// and must write one CSV with a user_id column into the output directory. Files whose name
// contains _TEST_ are ignored; when several remain the newest wins.
type Script struct {
	dir         string
	interpreter string
	timeout     time.Duration
}

type ScriptOption func(*Script)

func WithInterpreter(interpreter string) ScriptOption {
	return func(s *Script) {
		s.interpreter = interpreter
	}
}

func WithScriptTimeout(d time.Duration) ScriptOption {
	return func(s *Script) {
		s.timeout = d
	}
}

func NewScript(dir string, opts ...ScriptOption) *Script {
	s := &Script{dir: dir, interpreter: DefaultInterpreter, timeout: DefaultScriptTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Script) Generate(ctx context.Context, criteria model.AudienceCriteria) ([]model.AudienceMember, error) {
	path, err := s.resolve(criteria.Script)
	if err != nil {
		return nil, err
	}

	outDir, err := os.MkdirTemp("", "pushblaster-audience-*")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create script output directory")
	}
	defer safe.RemoveAll(ctx, outDir)

	if err := s.run(ctx, path, ScriptArgs(outDir, false, criteria.Parameters)); err != nil {
		return nil, err
	}

	csvPath, err := pickOutput(outDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to locate script output", goerr.V("script", criteria.Script))
	}

	f, err := os.Open(filepath.Clean(csvPath))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open script output", goerr.V("path", csvPath))
	}
	defer safe.Close(ctx, f)

	members, err := ReadMembers(f)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse script output", goerr.V("script", criteria.Script))
	}
	return members, nil
}

// ScriptArgs builds the script arguments. Parameters are passed in key order.
func ScriptArgs(outDir string, dryRun bool, params map[string]string) []string {
	args := []string{"--output_dir", outDir}
	if dryRun {
		args = append(args, "--dry_run")
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+strings.TrimLeft(k, "-"), params[k])
	}
	return args
}

func (s *Script) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", goerr.Wrap(ErrScriptNotAllowed, "script must be a plain file name", goerr.V("script", name))
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", goerr.Wrap(ErrScriptNotAllowed, "script not found", goerr.V("script", name), goerr.V("error", err.Error()))
	}
	if info.IsDir() {
		return "", goerr.Wrap(ErrScriptNotAllowed, "script is a directory", goerr.V("script", name))
	}
	return path, nil
}

func (s *Script) run(ctx context.Context, path string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	name := path
	if s.interpreter != "" {
		name = s.interpreter
		args = append([]string{path}, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 script path is confined to s.dir
	cmd.Dir = s.dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	started := time.Now()
	err := cmd.Run()
	logging.From(ctx).Debug("audience script finished",
		"script", filepath.Base(path),
		"elapsed", time.Since(started).String(),
		"stdout", truncate(stdout.String(), 2000),
	)

	if ctx.Err() == context.DeadlineExceeded {
		return goerr.Wrap(ctx.Err(), "audience script timed out",
			goerr.V("script", filepath.Base(path)), goerr.V("timeout", s.timeout.String()))
	}
	if err != nil {
		return goerr.Wrap(err, "audience script failed",
			goerr.V("script", filepath.Base(path)), goerr.V("stderr", truncate(stderr.String(), 2000)))
	}
	return nil
}

func pickOutput(dir string) (string, error) {
	var found string
	var newest time.Time
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".csv") || strings.Contains(d.Name(), "_TEST_") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if found == "" || info.ModTime().After(newest) {
			found, newest = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", ErrNoScriptOutput
	}
	return found, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
