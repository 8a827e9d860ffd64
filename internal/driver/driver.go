// Package driver runs whole-image compilations: it loads the fixture modules
// a manifest names, ingests the optional profile, plans the method set hot
// first, and fans compilations out across workers, caching finished objects
// on disk keyed by input digests.
package driver

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"pregen/internal/bubble"
	"pregen/internal/codegen"
	"pregen/internal/ibc"
	"pregen/internal/jitabi"
	"pregen/internal/meta"
	"pregen/internal/observ"
	"pregen/internal/publish"
	"pregen/internal/session"
	"pregen/internal/trace"
)

// Options configure one Compile run.
type Options struct {
	// ManifestPath locates the manifest; empty searches upward from the
	// working directory.
	ManifestPath string
	// Jobs caps the worker count; <=0 takes GOMAXPROCS.
	Jobs int
	// NoCache skips the object cache entirely.
	NoCache bool
	// CacheDir overrides the per-user cache location.
	CacheDir string
	// Generator produces code for each method; nil takes the built-in
	// template generator.
	Generator jitabi.CodeGenerator
	// Sink receives progress events; nil means silent.
	Sink ProgressSink
}

// MethodResult is the outcome for one planned method.
type MethodResult struct {
	Method meta.MethodID
	Name   string
	// Object is the finished record, a stub when compilation failed, nil
	// when the method was deferred to the runtime JIT.
	Object   *publish.ObjectData
	Deferred bool
	Cached   bool
	// Err carries the cause behind a stub or a deferral, nil otherwise.
	Err     error
	Elapsed time.Duration
}

// Result is a whole-image compilation outcome.
type Result struct {
	Manifest *Manifest
	World    *meta.World
	Target   meta.ModuleID
	// Objects lists every planned method in plan order: hot methods first,
	// then by descending profile weight, declaration order within ties.
	Objects  []MethodResult
	Compiled int
	Cached   int
	Deferred int
	Stubbed  int
	Warnings []string
	Timings  observ.Report
}

// Compile runs one whole-image compilation.
func Compile(ctx context.Context, opts Options) (*Result, error) {
	timer := observ.NewTimer()

	manifestPath := opts.ManifestPath
	if manifestPath == "" {
		found, ok, err := FindManifest(".")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("no " + ManifestName + " found")
		}
		manifestPath = found
	}
	man, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	res := &Result{Manifest: man}

	tr := trace.FromContext(ctx)
	runSpan := trace.Begin(tr, trace.ScopeRun, "compile "+man.Image.Name, 0)
	defer func() {
		runSpan.End(fmt.Sprintf("%d compiled, %d cached, %d stubbed, %d deferred",
			res.Compiled, res.Cached, res.Stubbed, res.Deferred))
	}()

	gen := opts.Generator
	if gen == nil {
		gen = codegen.TemplateGenerator{}
	}

	// Fixtures load in manifest order. Order fixes entity numbering, which
	// keeps cache keys meaningful across runs with identical inputs.
	phase := timer.Begin("load modules")
	loadSpan := trace.Begin(tr, trace.ScopePhase, "load modules", runSpan.ID())
	emit(opts.Sink, Event{Stage: StageLoad, Status: StatusWorking})
	loader := meta.NewLoader()
	loaded := make([]*meta.LoadedModule, 0, len(man.Modules))
	byName := make(map[string]*meta.LoadedModule, len(man.Modules))
	for _, ref := range man.Modules {
		path := man.ModulePath(ref)
		lm, err := loader.LoadModule(path)
		if err != nil {
			loadSpan.End(err.Error())
			emit(opts.Sink, Event{Stage: StageLoad, Status: StatusError, Err: err})
			return nil, err
		}
		if lm.Name != ref.Name {
			err := fmt.Errorf("%s: fixture declares module %q, manifest names it %q", path, lm.Name, ref.Name)
			loadSpan.End(err.Error())
			emit(opts.Sink, Event{Stage: StageLoad, Status: StatusError, Err: err})
			return nil, err
		}
		loaded = append(loaded, lm)
		byName[lm.Name] = lm
	}
	timer.EndUnits(phase, len(loaded), "")
	loadSpan.End(fmt.Sprintf("%d modules", len(loaded)))
	emit(opts.Sink, Event{Stage: StageLoad, Status: StatusDone})

	world := loader.World()
	target := byName[man.Image.Target]
	res.World = world
	res.Target = target.ID

	members := make([]meta.ModuleID, 0, len(man.BubbleMembers()))
	for _, name := range man.BubbleMembers() {
		members = append(members, byName[name].ID)
	}
	bub := bubble.New(world, members)

	var profile *ibc.ProfileData
	var profDigest Digest
	if p := man.ProfilePath(); p != "" {
		phase := timer.Begin("profile")
		profSpan := trace.Begin(tr, trace.ScopePhase, "profile", runSpan.ID())
		emit(opts.Sink, Event{Stage: StageProfile, Status: StatusWorking})
		profile, profDigest = ingestProfile(world, target.ID, p, res)
		units := 0
		if profile != nil {
			units = len(profile.Methods)
		}
		timer.EndUnits(phase, units, "profiled methods")
		profSpan.End(fmt.Sprintf("%d profiled methods", units))
		emit(opts.Sink, Event{Stage: StageProfile, Status: StatusDone})
	}

	plan := planMethods(world, target.Methods, profile)

	ptr := man.Image.PointerSize
	if ptr == 0 {
		ptr = 8
	}
	planned := make(map[meta.MethodID]bool, len(plan))
	for _, p := range plan {
		planned[p.form] = true
	}
	eng, err := session.NewEngine(session.Config{
		World:       world,
		Bubble:      bub,
		Module:      target.ID,
		PointerSize: ptr,
		InImage:     func(m meta.MethodID) bool { return planned[m] },
		Profile:     profile,
	})
	if err != nil {
		return nil, err
	}

	var cache *DiskCache
	if !opts.NoCache {
		var err error
		if opts.CacheDir != "" {
			cache, err = OpenDiskCacheAt(opts.CacheDir)
		} else {
			cache, err = OpenDiskCache("pregen")
		}
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("object cache disabled: %v", err))
			cache = nil
		}
	}

	// The config digest covers everything that shapes every object; method
	// keys add only the method's own identity on top.
	cfg := sha256.New()
	fmt.Fprintf(cfg, "pregen-object-v1\n")
	fmt.Fprintf(cfg, "image=%s target=%s ptr=%d gen=%s\n", man.Image.Name, man.Image.Target, ptr, gen.Name())
	for _, name := range man.BubbleMembers() {
		fmt.Fprintf(cfg, "bubble=%s\n", name)
	}
	for _, lm := range loaded {
		_, _ = cfg.Write(lm.Digest[:])
	}
	_, _ = cfg.Write(profDigest[:])
	var configDigest Digest
	copy(configDigest[:], cfg.Sum(nil))

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	results := make([]MethodResult, len(plan))
	phase = timer.Begin("compile")
	compileSpan := trace.Begin(tr, trace.ScopePhase, "compile", runSpan.ID())
	var waitErr error
	if len(plan) > 0 {
		for _, p := range plan {
			emit(opts.Sink, Event{Method: p.name, Stage: StageCompile, Status: StatusQueued})
		}

		// Result indexes are unique per goroutine, no mutex needed.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(min(jobs, len(plan)))
		for i, p := range plan {
			key := Combine(configDigest, DigestOf([]byte(p.name)))
			g.Go(func(i int, p planEntry, key Digest) func() error {
				return func() error {
					select {
					case <-gctx.Done():
						return gctx.Err()
					default:
					}

					emit(opts.Sink, Event{Method: p.name, Stage: StageCompile, Status: StatusWorking})
					sp := trace.Begin(tr, trace.ScopeMethod, p.name, compileSpan.ID())
					start := time.Now()
					r, err := compileOne(gctx, eng, gen, cache, key, p)
					r.Elapsed = time.Since(start)
					results[i] = r

					evt := Event{Method: p.name, Stage: StageCompile, Err: r.Err, Elapsed: r.Elapsed}
					switch {
					case err != nil:
						evt.Status = StatusError
						evt.Err = err
					case r.Cached:
						evt.Status = StatusCached
					case r.Deferred:
						evt.Status = StatusDeferred
					case r.Object != nil && r.Object.Failed:
						evt.Status = StatusStubbed
					default:
						evt.Status = StatusDone
					}
					sp.End(string(evt.Status))
					emit(opts.Sink, evt)
					return err
				}
			}(i, p, key))
		}
		waitErr = g.Wait()
	}
	timer.EndUnits(phase, len(plan), "")
	compileSpan.End(fmt.Sprintf("%d methods", len(plan)))

	res.Objects = results
	for i := range results {
		r := &results[i]
		switch {
		case r.Deferred:
			res.Deferred++
		case r.Object == nil:
			// Hole from an aborted worker; waitErr reports the cause.
		case r.Object.Failed:
			res.Stubbed++
		case r.Cached:
			res.Cached++
		default:
			res.Compiled++
		}
	}
	res.Timings = timer.Report()
	if waitErr != nil {
		return res, waitErr
	}
	return res, nil
}

// planEntry is one method scheduled for compilation.
type planEntry struct {
	form   meta.MethodID // the body the image carries, canonical for shared code
	name   string
	hot    bool
	weight uint32
}

// planMethods maps the listed definitions to compile forms and orders them
// hot first. The stable sort keeps declaration order within equal weights,
// so unprofiled builds compile in fixture order.
func planMethods(w *meta.World, methods []meta.MethodID, profile *ibc.ProfileData) []planEntry {
	plan := make([]planEntry, 0, len(methods))
	seen := make(map[meta.MethodID]bool, len(methods))
	for _, m := range methods {
		form := compileForm(w, m)
		if !form.IsValid() || seen[form] {
			continue
		}
		d := w.Method(form)
		if d == nil || d.Body == nil {
			continue
		}
		seen[form] = true
		plan = append(plan, planEntry{
			form:   form,
			name:   w.MethodName(form),
			hot:    profile.Hot(m) || profile.Hot(form),
			weight: max(profile.Weight(m), profile.Weight(form)),
		})
	}
	sort.SliceStable(plan, func(i, j int) bool {
		if plan[i].hot != plan[j].hot {
			return plan[i].hot
		}
		return plan[i].weight > plan[j].weight
	})
	return plan
}

// compileForm maps a listed definition to the body the image carries: exact
// code for non-generics, the one canonical instantiation for generics.
func compileForm(w *meta.World, m meta.MethodID) meta.MethodID {
	d := w.Method(m)
	if d == nil {
		return meta.NoMethodID
	}
	owner := d.Owner
	if od := w.Type(owner); od != nil && od.IsGenericDefinition() {
		args := make([]meta.TypeID, od.Arity)
		for i := range args {
			args[i] = w.Canon()
		}
		owner = w.Instantiate(owner, args)
	}
	form := w.MethodOnType(m, owner)
	if fd := w.Method(form); fd.IsGenericDefinition() {
		margs := make([]meta.TypeID, fd.Arity)
		for i := range margs {
			margs[i] = w.Canon()
		}
		form = w.InstantiateMethod(form, margs)
	}
	return w.CanonicalizeMethod(form)
}

// ingestProfile reads and parses a profile, unwrapping a PE image when the
// raw bytes are not a bare profile blob. Every failure downgrades to a
// warning: a bad profile never blocks an unprofiled compile.
func ingestProfile(w *meta.World, target meta.ModuleID, path string, res *Result) (*ibc.ProfileData, Digest) {
	blob, err := os.ReadFile(path)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("profile %s: %v", path, err))
		return nil, Digest{}
	}
	parser := ibc.NewParser(w, target)
	pd, err := parser.Parse(blob)
	if errors.Is(err, ibc.ErrNotProfile) {
		embedded, exErr := ibc.ExtractPE(path)
		if exErr != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("profile %s: %v", path, exErr))
			return nil, Digest{}
		}
		blob = embedded
		pd, err = parser.Parse(blob)
	}
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("profile %s: %v", path, err))
		return nil, Digest{}
	}
	for _, warn := range pd.Warnings {
		res.Warnings = append(res.Warnings, fmt.Sprintf("profile %s: %s", path, warn))
	}
	return pd, DigestOf(blob)
}

// compileOne resolves one planned method to an object: cache hit, fresh
// compile, stub, or deferral. A non-nil error aborts the whole run.
func compileOne(ctx context.Context, eng *session.Engine, gen jitabi.CodeGenerator, cache *DiskCache, key Digest, p planEntry) (MethodResult, error) {
	r := MethodResult{Method: p.form, Name: p.name}

	// Read errors count as misses; the rewrite below replaces a bad record.
	if obj, ok, err := cache.Get(key); err == nil && ok {
		r.Object = obj
		r.Cached = true
		return r, nil
	}

	s, err := eng.Open(p.form)
	if err != nil {
		return r, fmt.Errorf("%s: %w", p.name, err)
	}
	cc, err := gen.Generate(ctx, s)
	if err != nil {
		return triage(r, err)
	}
	obj, err := s.Publish(cc)
	if err != nil {
		return triage(r, err)
	}
	r.Object = obj
	// A failed cache write costs the next run one recompile, nothing else.
	_ = cache.Put(key, obj)
	return r, nil
}

// triage sorts a compilation error into its tier: deferrals hand the method
// to the runtime JIT, method errors stub it out, everything else aborts the
// run.
func triage(r MethodResult, err error) (MethodResult, error) {
	switch {
	case errors.Is(err, jitabi.ErrDeferToRuntimeJIT):
		r.Deferred = true
		r.Err = err
		return r, nil
	case jitabi.IsFatal(err):
		return r, fmt.Errorf("%s: %w", r.Name, err)
	default:
		var me *jitabi.MethodError
		if errors.As(err, &me) {
			r.Object = publish.FailStub(r.Method)
			r.Err = err
			return r, nil
		}
		return r, fmt.Errorf("%s: %w", r.Name, err)
	}
}
