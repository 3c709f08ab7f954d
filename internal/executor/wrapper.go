package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Phase markers printed by the bootstrap shim. The executor strips them
// from the stream and uses them to drive its state machine.
const (
	markerScriptStart = "__SCRIPT_START__"
	markerScriptEnd   = "__SCRIPT_END__"
	markerScriptError = "__SCRIPT_ERROR__"
	markerFigureStart = "__FIGURE_START__"
	markerFigureEnd   = "__FIGURE_END__"
)

// shimSource is prepended to every child interpreter. It wraps the file
// APIs user code and common libraries reach for with a path check mirroring
// the Go-side guard (roots arrive via environment), marks input() prompts
// with an explicit sentinel pair, and captures matplotlib figures.
//
// This is defense-in-depth, not isolation-grade sandboxing: user code that
// digs out the saved originals can bypass it, which is why the server also
// enforces rlimits, output limits, and the wall clock, and why the real
// path policy is re-checked server-side for every file command.
const shimSource = `import sys, os, builtins, io

_READ_ROOT = os.environ.get("IDE_SANDBOX_READ_ROOT", "")
_WRITE_ROOT = os.environ.get("IDE_SANDBOX_WRITE_ROOT", "")
_TMP = os.environ.get("TMPDIR", "/tmp")

def _resolve(path):
    return os.path.realpath(os.path.join(os.getcwd(), os.fspath(path)))

def _inside(path, root):
    return bool(root) and (path == root or path.startswith(root + os.sep))

def _check(path, write):
    p = _resolve(path)
    if _inside(p, _TMP):
        return
    root = _WRITE_ROOT if write else _READ_ROOT
    if not _inside(p, root):
        raise PermissionError("path access denied: %s" % os.fspath(path))

_WRITE_CHARS = ("w", "a", "x", "+")

_orig_open = builtins.open

def _guarded_open(file, mode="r", *args, **kwargs):
    if isinstance(file, (str, bytes, os.PathLike)):
        _check(file, any(c in mode for c in _WRITE_CHARS))
    return _orig_open(file, mode, *args, **kwargs)

builtins.open = _guarded_open
io.open = _guarded_open

import shutil

def _guard_path(fn, write=True):
    def wrapped(path, *args, **kwargs):
        _check(path, write)
        return fn(path, *args, **kwargs)
    return wrapped

def _guard_pair(fn):
    def wrapped(src, dst, *args, **kwargs):
        _check(src, True)
        _check(dst, True)
        return fn(src, dst, *args, **kwargs)
    return wrapped

os.remove = _guard_path(os.remove)
os.unlink = _guard_path(os.unlink)
os.rmdir = _guard_path(os.rmdir)
os.mkdir = _guard_path(os.mkdir)
os.makedirs = _guard_path(os.makedirs)
os.rename = _guard_pair(os.rename)
os.replace = _guard_pair(os.replace)
shutil.rmtree = _guard_path(shutil.rmtree)
shutil.copyfile = _guard_pair(shutil.copyfile)
shutil.move = _guard_pair(shutil.move)

_orig_input = builtins.input

def _marked_input(prompt=""):
    sys.stdout.write("__INPUT_REQUEST_START__%s__INPUT_REQUEST_END__" % prompt)
    sys.stdout.flush()
    return _orig_input()

builtins.input = _marked_input

_mpl_hooked = False

def _hook_matplotlib():
    global _mpl_hooked
    if _mpl_hooked:
        return
    try:
        import matplotlib
        matplotlib.use("Agg")
        import matplotlib.pyplot as plt
        import base64

        def _capture_show(*args, **kwargs):
            buf = io.BytesIO()
            plt.savefig(buf, format="png", bbox_inches="tight", dpi=100)
            buf.seek(0)
            print("__FIGURE_START__")
            print(base64.b64encode(buf.read()).decode("ascii"))
            print("__FIGURE_END__")
            sys.stdout.flush()
            plt.close("all")

        plt.show = _capture_show
        _mpl_hooked = True
    except ImportError:
        pass

_orig_import = builtins.__import__

def _watch_import(name, *args, **kwargs):
    mod = _orig_import(name, *args, **kwargs)
    if name.startswith("matplotlib") and not _mpl_hooked:
        _hook_matplotlib()
    return mod

builtins.__import__ = _watch_import
`

// scriptMain executes the user script between phase markers.
// {{SCRIPT_PATH}} is substituted with a quoted path.
const scriptMain = `
_script_path = {{SCRIPT_PATH}}

print("__SCRIPT_START__")
sys.stdout.flush()
try:
    with _orig_open(_script_path) as _f:
        _source = _f.read()
    exec(compile(_source, _script_path, "exec"), {"__name__": "__main__"})
except SystemExit as _e:
    _code = _e.code if isinstance(_e.code, int) else (0 if _e.code is None else 1)
    if _code != 0:
        print("__SCRIPT_ERROR__")
        sys.stdout.flush()
    else:
        print("__SCRIPT_END__")
        sys.stdout.flush()
    sys.exit(_code)
except BaseException:
    import traceback
    traceback.print_exc()
    print("__SCRIPT_ERROR__")
    sys.stdout.flush()
    sys.exit(1)

print("__SCRIPT_END__")
sys.stdout.flush()
`

// replReplay re-executes the script source inside the interactive
// interpreter so top-level names are bound in the REPL namespace. Output
// is routed to devnull during the replay. Side effects (file writes and
// the like) do re-run; suppressing output does not suppress them.
const replReplay = `
_script_path = {{SCRIPT_PATH}}
try:
    with _orig_open(_script_path) as _f:
        _source = _f.read()
    _sink = _orig_open(os.devnull, "w")
    _saved_out, _saved_err = sys.stdout, sys.stderr
    sys.stdout = sys.stderr = _sink
    try:
        exec(compile(_source, _script_path, "exec"), globals())
    finally:
        sys.stdout, sys.stderr = _saved_out, _saved_err
        _sink.close()
except BaseException:
    pass
`

// writeScriptBootstrap writes the phase-1 bootstrap file into dir and
// returns its path.
func writeScriptBootstrap(dir, scriptPath string) (string, error) {
	code := shimSource + strings.ReplaceAll(scriptMain, "{{SCRIPT_PATH}}", pyQuote(scriptPath))
	path := filepath.Join(dir, "bootstrap.py")
	if err := os.WriteFile(path, []byte(code), 0600); err != nil {
		return "", fmt.Errorf("writing bootstrap: %w", err)
	}
	return path, nil
}

// writeReplStartup writes the PYTHONSTARTUP file for the phase-2
// interactive interpreter. scriptPath may be empty (direct-REPL mode), in
// which case only the shim is installed.
func writeReplStartup(dir, scriptPath string) (string, error) {
	code := shimSource
	if scriptPath != "" {
		code += strings.ReplaceAll(replReplay, "{{SCRIPT_PATH}}", pyQuote(scriptPath))
	}
	path := filepath.Join(dir, "replinit.py")
	if err := os.WriteFile(path, []byte(code), 0600); err != nil {
		return "", fmt.Errorf("writing repl startup: %w", err)
	}
	return path, nil
}

// pyQuote renders s as a Python string literal. Go's quoting rules are a
// superset Python accepts for the escapes paths can contain.
func pyQuote(s string) string {
	return strconv.Quote(s)
}
