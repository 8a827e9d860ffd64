package driver

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pregen/internal/ibc"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
)

// Two-module workspace: app is the target, lib sits in the same bubble. The
// Cell type forces one canonical generic form into the plan, Run crosses the
// module boundary, Fill calls an exact value-type instantiation.
const libFixture = `
name = "lib"

[[types]]
name = "Codec"
kind = "class"

[[types.fields]]
name = "buf"
type = "corelib/System.String"

[[types.methods]]
name = ".ctor"
flags = ["ctor"]
sites = [{ op = "stfld", field = "lib/Codec::buf" }]

[[types.methods]]
name = "Flush"
returns = "int32"
sites = [{ op = "ldfld", field = "lib/Codec::buf" }]
`

const appFixture = `
name = "app"

[[types]]
name = "Cell"
kind = "class"
arity = 1

[[types.fields]]
name = "item"
type = "!0"

[[types.methods]]
name = "Get"
returns = "!0"
sites = [{ op = "ldfld", field = "app/Cell::item" }]

[[types]]
name = "Worker"
kind = "class"

[[types.methods]]
name = "Run"
flags = ["static"]
sites = [
  { op = "newobj", method = "lib/Codec::.ctor" },
  { op = "call", method = "lib/Codec::Flush" },
  { op = "ldstr", string = 2 },
]

[[types.methods]]
name = "Fill"
flags = ["static"]
params = ["app/Cell<int32>"]
sites = [{ op = "call", method = "app/Cell<int32>::Get" }]
`

const workspaceManifest = `
[image]
name = "app.ni"
target = "app"

[[modules]]
name = "lib"
path = "lib.toml"

[[modules]]
name = "app"
path = "app.toml"

[bubble]
members = ["lib", "app"]
`

// soloFixture is a self-contained module for single-module workspaces.
const soloFixture = `
name = "app"

[[types]]
name = "Worker"
kind = "class"

[[types.fields]]
name = "state"
type = "int32"

[[types.methods]]
name = ".ctor"
flags = ["ctor"]
sites = [{ op = "stfld", field = "app/Worker::state" }]

[[types.methods]]
name = "Step"
returns = "int32"
sites = [{ op = "ldfld", field = "app/Worker::state" }]

[[types.methods]]
name = "Spawn"
flags = ["static"]
returns = "app/Worker"
sites = [{ op = "newobj", method = "app/Worker::.ctor" }]
`

func writeWorkspace(t *testing.T, manifest string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := writeFile(t, filepath.Join(dir, ManifestName), manifest)
	for name, content := range files {
		writeFile(t, filepath.Join(dir, name), content)
	}
	return path
}

func compileWorkspace(t *testing.T, opts Options) *Result {
	t.Helper()
	if opts.CacheDir == "" && !opts.NoCache {
		opts.CacheDir = t.TempDir()
	}
	res, err := Compile(context.Background(), opts)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return res
}

func resultByName(t *testing.T, res *Result, name string) *MethodResult {
	t.Helper()
	for i := range res.Objects {
		if res.Objects[i].Name == name {
			return &res.Objects[i]
		}
	}
	t.Fatalf("no result for %s; have %v", name, resultNames(res))
	return nil
}

func resultNames(res *Result) []string {
	names := make([]string, len(res.Objects))
	for i := range res.Objects {
		names[i] = res.Objects[i].Name
	}
	return names
}

func TestCompileProducesObjects(t *testing.T) {
	manifest := writeWorkspace(t, workspaceManifest, map[string]string{
		"lib.toml": libFixture,
		"app.toml": appFixture,
	})

	res := compileWorkspace(t, Options{ManifestPath: manifest})
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings: %v", res.Warnings)
	}
	if res.Compiled != 3 || res.Cached != 0 || res.Deferred != 0 || res.Stubbed != 0 {
		t.Fatalf("counts = %d compiled %d cached %d deferred %d stubbed",
			res.Compiled, res.Cached, res.Deferred, res.Stubbed)
	}
	if res.World == nil || !res.Target.IsValid() {
		t.Fatalf("world or target missing from result")
	}

	// Only the target module's methods are planned, in declaration order
	// when no profile steers it, and the generic compiles as its canonical
	// form exactly once.
	want := []string{"Cell<__Canon>.Get", "Worker.Run", "Worker.Fill"}
	got := resultNames(res)
	if len(got) != len(want) {
		t.Fatalf("planned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("plan[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	for _, r := range res.Objects {
		if r.Object == nil || r.Object.Failed {
			t.Fatalf("%s: no clean object", r.Name)
		}
		if len(r.Object.Hot) == 0 || r.Object.Align == 0 {
			t.Fatalf("%s: empty code region", r.Name)
		}
	}

	// Run allocates an out-of-image constructor, so its object must carry
	// import cells with matching relocations.
	run := resultByName(t, res, "Worker.Run")
	if len(run.Object.Cells) == 0 {
		t.Fatalf("Run carries no import cells")
	}
	foundImport := false
	for _, rel := range run.Object.Relocs {
		if rel.Target.Cell != nil {
			foundImport = true
			break
		}
	}
	if !foundImport {
		t.Fatalf("Run has no import relocation")
	}

	phases := make(map[string]bool, len(res.Timings.Phases))
	for _, p := range res.Timings.Phases {
		phases[p.Name] = true
	}
	if !phases["load modules"] || !phases["compile"] {
		t.Fatalf("timing phases = %+v", res.Timings.Phases)
	}
}

func TestCompileHotFirst(t *testing.T) {
	// Declaration order Cold1, Cold2, HotPath; the profile promotes HotPath
	// to the hot set and gives Cold2 a weight, inverting the plan.
	fixture := `
name = "app"

[[types]]
name = "Maths"
kind = "class"

[[types.methods]]
name = "Cold1"
flags = ["static"]
sites = [{ op = "ldstr", string = 1 }]

[[types.methods]]
name = "Cold2"
flags = ["static"]
sites = [{ op = "ldstr", string = 2 }]

[[types.methods]]
name = "HotPath"
flags = ["static"]
sites = [{ op = "ldstr", string = 3 }]
`
	manifest := writeWorkspace(t, `
[image]
target = "app"

[[modules]]
name = "app"
path = "app.toml"

[profile]
path = "app.ibc"
`, map[string]string{"app.toml": fixture})

	// Definition tokens number sequentially in declaration order, so the
	// profile can name methods without loading the fixture first.
	w := ibc.NewWriter()
	w.AddScenario(1, 1, "startup")
	w.AddMethodRecord(meta.MakeToken(meta.TokenMethodDef, 3), ibc.FlagExecuted|ibc.FlagHot, 1, 900)
	w.AddMethodRecord(meta.MakeToken(meta.TokenMethodDef, 2), ibc.FlagExecuted, 1, 50)
	blob, err := w.Encode()
	if err != nil {
		t.Fatalf("encode profile: %v", err)
	}
	writeFile(t, filepath.Join(filepath.Dir(manifest), "app.ibc"), string(blob))

	res := compileWorkspace(t, Options{ManifestPath: manifest})
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings: %v", res.Warnings)
	}
	want := []string{"Maths.HotPath", "Maths.Cold2", "Maths.Cold1"}
	got := resultNames(res)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("plan = %v, want %v", got, want)
		}
	}
}

func TestCompileTriage(t *testing.T) {
	// Bad callvirts a static method, which fails just that method; Lazy
	// embeds a raw method handle, which defers to the runtime JIT.
	fixture := `
name = "app"

[[types]]
name = "Flow"
kind = "class"

[[types.methods]]
name = "Helper"
flags = ["static"]
sites = [{ op = "ldstr", string = 1 }]

[[types.methods]]
name = "Good"
flags = ["static"]
sites = [{ op = "call", method = "app/Flow::Helper" }]

[[types.methods]]
name = "Bad"
flags = ["static"]
sites = [{ op = "callvirt", method = "app/Flow::Helper" }]

[[types.methods]]
name = "Lazy"
flags = ["static"]
sites = [{ op = "ldtoken", method = "app/Flow::Helper" }]
`
	manifest := writeWorkspace(t, `
[image]
target = "app"

[[modules]]
name = "app"
path = "app.toml"
`, map[string]string{"app.toml": fixture})

	events := make(chan Event, 64)
	res := compileWorkspace(t, Options{
		ManifestPath: manifest,
		Sink:         ChannelSink{Ch: events},
	})

	if res.Compiled != 2 || res.Stubbed != 1 || res.Deferred != 1 {
		t.Fatalf("counts = %d compiled %d stubbed %d deferred",
			res.Compiled, res.Stubbed, res.Deferred)
	}

	bad := resultByName(t, res, "Flow.Bad")
	if bad.Object == nil || !bad.Object.Failed {
		t.Fatalf("Bad: want a stub object, got %+v", bad.Object)
	}
	var me *jitabi.MethodError
	if !errors.As(bad.Err, &me) {
		t.Fatalf("Bad: err = %v, want a method error", bad.Err)
	}
	if bad.Object.Method != bad.Method {
		t.Fatalf("stub names method %d, result %d", bad.Object.Method, bad.Method)
	}

	lazy := resultByName(t, res, "Flow.Lazy")
	if lazy.Object != nil || !lazy.Deferred {
		t.Fatalf("Lazy: want a deferral, got %+v", lazy)
	}
	if !errors.Is(lazy.Err, jitabi.ErrDeferToRuntimeJIT) {
		t.Fatalf("Lazy: err = %v", lazy.Err)
	}

	terminal := map[string]Status{}
	for len(events) > 0 {
		evt := <-events
		if evt.Method == "" || evt.Status == StatusQueued || evt.Status == StatusWorking {
			continue
		}
		terminal[evt.Method] = evt.Status
	}
	if terminal["Flow.Good"] != StatusDone {
		t.Fatalf("Good status = %s", terminal["Flow.Good"])
	}
	if terminal["Flow.Bad"] != StatusStubbed {
		t.Fatalf("Bad status = %s", terminal["Flow.Bad"])
	}
	if terminal["Flow.Lazy"] != StatusDeferred {
		t.Fatalf("Lazy status = %s", terminal["Flow.Lazy"])
	}
}

func TestCompileCacheResume(t *testing.T) {
	manifest := writeWorkspace(t, workspaceManifest, map[string]string{
		"lib.toml": libFixture,
		"app.toml": appFixture,
	})
	cacheDir := t.TempDir()

	first := compileWorkspace(t, Options{ManifestPath: manifest, CacheDir: cacheDir})
	if first.Compiled != 3 || first.Cached != 0 {
		t.Fatalf("first run: compiled %d cached %d", first.Compiled, first.Cached)
	}

	second := compileWorkspace(t, Options{ManifestPath: manifest, CacheDir: cacheDir})
	if second.Cached != 3 || second.Compiled != 0 {
		t.Fatalf("second run: compiled %d cached %d", second.Compiled, second.Cached)
	}
	for i := range second.Objects {
		fresh := first.Objects[i]
		cached := second.Objects[i]
		if fresh.Name != cached.Name {
			t.Fatalf("plan order changed: %s vs %s", fresh.Name, cached.Name)
		}
		if !bytes.Equal(fresh.Object.Hot, cached.Object.Hot) {
			t.Fatalf("%s: cached code differs", cached.Name)
		}
		if len(fresh.Object.Cells) != len(cached.Object.Cells) {
			t.Fatalf("%s: cell tables differ", cached.Name)
		}
		for j := range cached.Object.Cells {
			if fresh.Object.Cells[j].Key() != cached.Object.Cells[j].Key() {
				t.Fatalf("%s: cell %d differs", cached.Name, j)
			}
		}
	}

	// Touching a fixture changes its digest and invalidates every key.
	writeFile(t, filepath.Join(filepath.Dir(manifest), "lib.toml"), libFixture+"\n# rev 2\n")
	third := compileWorkspace(t, Options{ManifestPath: manifest, CacheDir: cacheDir})
	if third.Compiled != 3 || third.Cached != 0 {
		t.Fatalf("after edit: compiled %d cached %d", third.Compiled, third.Cached)
	}

	off := compileWorkspace(t, Options{ManifestPath: manifest, CacheDir: cacheDir, NoCache: true})
	if off.Compiled != 3 || off.Cached != 0 {
		t.Fatalf("NoCache run: compiled %d cached %d", off.Compiled, off.Cached)
	}
}

func TestCompileProfileFailuresAreWarnings(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(t *testing.T, dir string)
	}{
		{
			name: "missing file",
			prepare: func(t *testing.T, dir string) {
				t.Helper()
			},
		},
		{
			name: "not a profile",
			prepare: func(t *testing.T, dir string) {
				t.Helper()
				writeFile(t, filepath.Join(dir, "app.ibc"), "plain text, no magic")
			},
		},
		{
			name: "unsupported version",
			prepare: func(t *testing.T, dir string) {
				t.Helper()
				w := ibc.NewWriter()
				w.SetVersion(1, 0)
				w.AddScenario(1, 1, "legacy")
				blob, err := w.Encode()
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				writeFile(t, filepath.Join(dir, "app.ibc"), string(blob))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			manifest := writeWorkspace(t, `
[image]
target = "app"

[[modules]]
name = "app"
path = "app.toml"

[profile]
path = "app.ibc"
`, map[string]string{"app.toml": soloFixture})
			tc.prepare(t, filepath.Dir(manifest))

			res := compileWorkspace(t, Options{ManifestPath: manifest})
			if len(res.Warnings) == 0 {
				t.Fatalf("profile failure produced no warning")
			}
			if res.Compiled == 0 {
				t.Fatalf("profile failure blocked the compile")
			}
		})
	}
}

func TestCompileRejectsBrokenWorkspaces(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		files    map[string]string
		want     string
	}{
		{
			name: "fixture name mismatch",
			manifest: `
[image]
target = "app"

[[modules]]
name = "app"
path = "app.toml"
`,
			files: map[string]string{"app.toml": "name = \"other\"\n"},
			want:  `declares module "other"`,
		},
		{
			name: "fixture missing",
			manifest: `
[image]
target = "app"

[[modules]]
name = "app"
path = "gone.toml"
`,
			files: map[string]string{},
			want:  "fixture",
		},
		{
			name: "fixture malformed",
			manifest: `
[image]
target = "app"

[[modules]]
name = "app"
path = "app.toml"
`,
			files: map[string]string{"app.toml": `
name = "app"

[[types]]
name = "T"
kind = "class"

[[types.methods]]
name = "M"
sites = [{ op = "frobnicate", string = 1 }]
`},
			want: "fixture",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			manifest := writeWorkspace(t, tc.manifest, tc.files)
			_, err := Compile(context.Background(), Options{
				ManifestPath: manifest,
				NoCache:      true,
			})
			if err == nil {
				t.Fatalf("compile succeeded, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestCompileCancellation(t *testing.T) {
	manifest := writeWorkspace(t, workspaceManifest, map[string]string{
		"lib.toml": libFixture,
		"app.toml": appFixture,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Compile(ctx, Options{ManifestPath: manifest, NoCache: true, Jobs: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil {
		t.Fatalf("canceled run returned no partial result")
	}
}

func TestCompileFindsManifestFromWorkingDirectory(t *testing.T) {
	manifest := writeWorkspace(t, `
[image]
target = "app"

[[modules]]
name = "app"
path = "app.toml"
`, map[string]string{"app.toml": soloFixture})

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
	if err := os.Chdir(filepath.Dir(manifest)); err != nil {
		t.Fatalf("chdir: %v", err)
	}

	res := compileWorkspace(t, Options{})
	if res.Compiled == 0 {
		t.Fatalf("nothing compiled")
	}
}
