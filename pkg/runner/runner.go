// Package runner schedules unit executions across the dependency graph.
// A bounded worker pool consumes units as their prerequisites finish,
// each unit runs the wrapped tool under its own retry and ignore rules,
// and the outcomes aggregate into a run report.
package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/terragrid-io/terragrid/pkg/backend"
	"github.com/terragrid-io/terragrid/pkg/cache"
	"github.com/terragrid-io/terragrid/pkg/config"
	"github.com/terragrid-io/terragrid/pkg/creds"
	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
	"github.com/terragrid-io/terragrid/pkg/graph"
	"github.com/terragrid-io/terragrid/pkg/log"
	"github.com/terragrid-io/terragrid/pkg/outputs"
	"github.com/terragrid-io/terragrid/pkg/policy"
	"github.com/terragrid-io/terragrid/pkg/tool"
)

const (
	blockedReason = "blocked by failed dependency"
	cancelReason  = "run canceled"

	lockFileName = ".terraform.lock.hcl"

	// pluginCacheEnv is exported to the tool when the run shares one
	// provider cache directory across units.
	pluginCacheEnv = "TF_PLUGIN_CACHE_DIR"
)

// Options configures a run.
type Options struct {
	// Command is the wrapped tool subcommand to execute.
	Command string

	// Args follow the subcommand on the tool command line.
	Args []string

	// Parallelism bounds concurrently running units. Zero or negative
	// means runtime.NumCPU().
	Parallelism int

	// FailFast cancels outstanding work after the first failure instead
	// of only skipping dependents.
	FailFast bool

	// IgnoreDependencyErrors keeps scheduling dependents of failed units.
	IgnoreDependencyErrors bool

	// FetchOutputsFromState reads dependency outputs straight from the
	// state backend where the remote_state config permits it.
	FetchOutputsFromState bool

	// BackendBootstrap provisions remote state stores before units run.
	BackendBootstrap bool

	// Source overrides terraform.source for every unit.
	Source string

	// DownloadDir overrides the source cache root for every unit.
	DownloadDir string

	// PluginCacheDir is exported as TF_PLUGIN_CACHE_DIR when set. The
	// provider cache is not safe for concurrent writers, so init phases
	// serialize behind one mutex for the whole run.
	PluginCacheDir string

	// AuthProviderCommand is the credential helper executed once per
	// unit directory.
	AuthProviderCommand string

	// FeatureOverrides maps feature flag names to CLI or environment
	// override values.
	FeatureOverrides map[string]string

	// Env entries are layered over the process environment for every
	// unit.
	Env map[string]string

	// RunID tags the run; a fresh UUID is generated when empty.
	RunID string

	// Stdout and Stderr receive streamed tool output. Nil writers leave
	// the output captured in the results only.
	Stdout io.Writer
	Stderr io.Writer

	// ToolForBinary constructs a plugin for units pinning their own
	// binary via terraform_binary. Left nil, the pin is ignored with a
	// warning.
	ToolForBinary func(path string) (tool.Tool, error)
}

// Runner executes a graph of units with the wrapped tool.
type Runner struct {
	tool   tool.Tool
	logger *zap.Logger
	opts   Options

	creds    *creds.Provider
	sources  *cache.Cache
	outputs  *outputs.Cache
	backends *backend.Manager
	runCache *config.RunCache

	// initMu serializes init phases over a shared plugin cache.
	initMu sync.Mutex

	// rsMu guards remoteStates, the per-dependency remote_state memo
	// used for direct backend reads.
	rsMu         sync.Mutex
	remoteStates map[string]*config.RemoteStateBlock
}

// New creates a runner for the wrapped tool.
func New(t tool.Tool, opts Options, logger *zap.Logger) *Runner {
	logger = log.OrNop(logger)
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	r := &Runner{
		tool:         t,
		logger:       logger,
		opts:         opts,
		creds:        creds.NewProvider(opts.AuthProviderCommand, logger),
		sources:      cache.New(opts.DownloadDir, logger),
		backends:     backend.NewManager(t, logger),
		runCache:     config.NewRunCache(),
		remoteStates: make(map[string]*config.RemoteStateBlock),
	}
	r.outputs = outputs.NewCache(t, logger)
	r.outputs.FetchFromState = opts.FetchOutputsFromState
	return r
}

// destructive reports whether the invocation tears resources down,
// which reverses the scheduling order.
func destructive(command string, args []string) bool {
	if command == "destroy" {
		return true
	}
	if command != "apply" {
		return false
	}
	for _, arg := range args {
		if arg == "-destroy" {
			return true
		}
	}
	return false
}

// Run executes every unit in the graph with the configured command and
// returns the aggregated report. A dependency cycle fails the run before
// any unit starts; per-unit failures land in the report instead.
func (r *Runner) Run(ctx context.Context, g *graph.Graph) (*Report, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reversed := destructive(r.opts.Command, r.opts.Args)
	sched := newScheduler(g, reversed, r.opts.IgnoreDependencyErrors)
	report := newReport(r.opts.Command, r.opts.RunID)

	r.logger.Info("starting run",
		zap.String("command", r.opts.Command),
		zap.String("run_id", r.opts.RunID),
		zap.String("run_name", report.RunName),
		zap.Int("units", len(g.Units)),
		zap.Int("parallelism", r.opts.Parallelism),
		zap.Bool("reversed", reversed))

	sem := semaphore.NewWeighted(int64(r.opts.Parallelism))
	var wg sync.WaitGroup
	dispatched := make(map[string]bool, len(g.Units))

	for {
		path, ok := sched.next(runCtx)
		if !ok {
			break
		}
		dispatched[path] = true
		unit := g.Units[path]

		if res := r.preflight(unit, sched, g.WorkDir); res != nil {
			report.add(res)
			sched.finish(path, false)
			continue
		}

		if err := sem.Acquire(runCtx, 1); err != nil {
			report.add(&TaskResult{Unit: unit.DisplayPath(g.WorkDir), Status: StatusSkipped, Reason: cancelReason})
			sched.finish(path, false)
			continue
		}
		wg.Add(1)
		go func(u *graph.Unit) {
			defer wg.Done()
			defer sem.Release(1)
			res := r.runUnit(runCtx, u, g.WorkDir)
			report.add(res)
			if res.Status == StatusFailed && r.opts.FailFast {
				r.logger.Warn("fail-fast: canceling outstanding units", zap.String("unit", res.Unit))
				cancel()
			}
			sched.finish(u.Path, res.Status == StatusFailed)
		}(unit)
	}
	wg.Wait()

	// Units never handed out, because the run was canceled, still get a
	// record so the report covers the whole graph.
	for _, path := range g.Paths() {
		if !dispatched[path] {
			report.add(&TaskResult{Unit: g.Units[path].DisplayPath(g.WorkDir), Status: StatusSkipped, Reason: cancelReason})
		}
	}
	report.finish()

	s := report.Summary()
	r.logger.Info("run finished",
		zap.String("run_id", r.opts.RunID),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Int("exit_code", report.ExitCode()))
	return report, nil
}

// preflight returns a skip result for units that must not run, or nil
// when the unit should be handed to a worker. The order matters: a unit
// whose exclude rule already decided its fate keeps that reason even
// when a failed dependency would also have blocked it.
func (r *Runner) preflight(unit *graph.Unit, sched *scheduler, workDir string) *TaskResult {
	res := &TaskResult{Unit: unit.DisplayPath(workDir), Status: StatusSkipped}
	switch {
	case unit.Excluded:
		res.Reason = "excluded from the run queue"
	case noRunExcluded(unit, r.opts.Command):
		res.Reason = "exclude block sets no_run"
	case unit.Skip || (unit.Config != nil && unit.Config.IsSkipped()):
		res.Reason = "skip = true"
	case sched.isBlocked(unit.Path):
		res.Reason = blockedReason
	default:
		return nil
	}
	r.logger.Debug("skipping unit", zap.String("unit", res.Unit), zap.String("reason", res.Reason))
	return res
}

// noRunExcluded reports whether the unit's exclude rule covers the
// command and carries no_run, which refuses even direct runs.
func noRunExcluded(unit *graph.Unit, command string) bool {
	if unit.Config == nil || unit.Config.Exclude == nil {
		return false
	}
	ex := unit.Config.Exclude
	return ex.AppliesTo(command) && ex.NoRun != nil && *ex.NoRun
}

// runUnit executes one unit end to end: full configuration parse with
// dependency outputs injected, source fetch, generated files, optional
// backend bootstrap, then init and the command under the unit's retry
// and ignore rules.
func (r *Runner) runUnit(ctx context.Context, unit *graph.Unit, rootDir string) *TaskResult {
	start := time.Now()
	res := &TaskResult{Unit: unit.DisplayPath(rootDir), Status: StatusRunning}
	defer func() { res.Duration = time.Since(start) }()

	fail := func(err error) *TaskResult {
		res.Status = StatusFailed
		res.ExitCode = 1
		res.Err = err
		return res
	}

	env := mergeEnv(nil, r.opts.Env)
	credsEnv, err := r.creds.Env(ctx, unit.Path)
	if err != nil {
		return fail(err)
	}
	env = mergeEnv(env, credsEnv)

	doc, err := r.parseUnit(ctx, unit, env)
	if err != nil {
		return fail(err)
	}

	if doc.IsSkipped() {
		res.Status = StatusSkipped
		res.Reason = "skip = true"
		return res
	}
	if destructive(r.opts.Command, r.opts.Args) && doc.PreventDestroy != nil && *doc.PreventDestroy {
		r.logger.Warn("unit sets prevent_destroy, not destroying", zap.String("unit", res.Unit))
		res.Status = StatusSkipped
		res.Reason = "prevent_destroy = true"
		return res
	}

	eng, err := policy.Compile(doc, r.logger)
	if err != nil {
		return fail(err)
	}

	workDir, err := r.resolveWorkDir(ctx, unit, doc)
	if err != nil {
		return fail(err)
	}
	if err := writeGeneratedFiles(doc, workDir, r.logger); err != nil {
		return fail(err)
	}

	if r.opts.BackendBootstrap && doc.RemoteState != nil {
		if err := r.backends.Bootstrap(ctx, doc.RemoteState); err != nil {
			return fail(err)
		}
	}

	// iam_role rides the same env contract the credential helper uses;
	// an explicit helper role wins.
	if doc.IamRole != nil && *doc.IamRole != "" {
		if _, ok := env["AWS_ROLE_ARN"]; !ok {
			env["AWS_ROLE_ARN"] = *doc.IamRole
		}
	}
	applyUnitEnv(env, doc, r.opts.Command)
	if r.opts.PluginCacheDir != "" {
		env[pluginCacheEnv] = r.opts.PluginCacheDir
	}

	t := r.tool
	if doc.TerraformBinary != nil && *doc.TerraformBinary != "" {
		if t, err = r.toolFor(*doc.TerraformBinary); err != nil {
			return fail(err)
		}
	}

	inv := tool.Invocation{
		WorkDir: workDir,
		Command: r.opts.Command,
		Args:    append(extraArgs(doc, r.opts.Command), r.opts.Args...),
		Env:     env,
		Inputs:  doc.Inputs,
		Stdout:  r.opts.Stdout,
		Stderr:  r.opts.Stderr,
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		runRes, runErr := r.invoke(ctx, t, inv)
		if runErr == nil {
			res.Status = StatusSucceeded
			if runRes != nil {
				res.ExitCode = runRes.ExitCode
			}
			break
		}
		if ctx.Err() != nil {
			res.Status = StatusSkipped
			res.Reason = cancelReason
			res.ExitCode = 0
			res.Err = nil
			return res
		}

		exit := 1
		var output string
		if runRes != nil {
			exit = runRes.ExitCode
			output = runRes.Stdout + "\n" + runRes.Stderr
		}
		action := eng.HandleFailure(policy.FailureContext{
			UnitPath: res.Unit,
			UnitDir:  unit.Path,
			RunID:    r.opts.RunID,
			Attempt:  attempt,
			Output:   output,
			Err:      runErr,
		})
		if action.Outcome == policy.Retry {
			r.logger.Info("retrying unit",
				zap.String("unit", res.Unit),
				zap.String("rule", action.Rule),
				zap.Int("attempt", attempt),
				zap.Duration("sleep", action.Sleep))
			if err := sleepCtx(ctx, action.Sleep); err != nil {
				res.Status = StatusSkipped
				res.Reason = cancelReason
				return res
			}
			continue
		}
		if action.Outcome == policy.Ignore {
			res.Status = StatusSucceeded
			res.ExitCode = 0
			res.Reason = ignoredReason(action)
			break
		}
		res.Status = StatusFailed
		res.ExitCode = exit
		res.Err = tgerrors.TaskExecutionError(res.Unit, r.opts.Command, exit, runErr)
		break
	}

	if res.Status == StatusSucceeded && mutating(r.opts.Command) {
		r.outputs.Invalidate(unit.Path)
	}
	return res
}

// invoke runs the init phase followed by the command. With a shared
// plugin cache the init queues behind the serialization mutex; when the
// command itself is init, the whole invocation queues instead.
func (r *Runner) invoke(ctx context.Context, t tool.Tool, inv tool.Invocation) (*tool.Result, error) {
	if inv.Command == "init" {
		if r.opts.PluginCacheDir != "" {
			r.initMu.Lock()
			defer r.initMu.Unlock()
		}
		return t.Run(ctx, inv)
	}
	if err := r.initUnit(ctx, t, inv.WorkDir, inv.Env); err != nil {
		return nil, err
	}
	return t.Run(ctx, inv)
}

func (r *Runner) initUnit(ctx context.Context, t tool.Tool, dir string, env map[string]string) error {
	if r.opts.PluginCacheDir != "" {
		r.initMu.Lock()
		defer r.initMu.Unlock()
	}
	return t.Init(ctx, dir, env)
}

// parseUnit runs the full configuration parse for a unit, resolving
// dependency outputs first so dependency.* references evaluate against
// real values.
func (r *Runner) parseUnit(ctx context.Context, unit *graph.Unit, env map[string]string) (*config.Document, error) {
	depOutputs, err := r.dependencyOutputs(ctx, unit, env)
	if err != nil {
		return nil, err
	}
	parser := config.New(config.Options{
		RunCache:          r.runCache,
		FeatureOverrides:  r.opts.FeatureOverrides,
		DependencyOutputs: depOutputs,
		Logger:            r.logger,
	})
	return parser.ParseFile(unit.ConfigPath)
}

// dependencyOutputs resolves the outputs of every enabled dependency
// block, keyed by block name. Paths resolve the same way discovery
// resolves them.
func (r *Runner) dependencyOutputs(ctx context.Context, unit *graph.Unit, env map[string]string) (map[string]cty.Value, error) {
	if unit.Config == nil || len(unit.Config.Dependency) == 0 {
		return nil, nil
	}
	resolved := make(map[string]cty.Value, len(unit.Config.Dependency))
	for _, dep := range unit.Config.Dependency {
		if dep.Enabled != nil && !*dep.Enabled {
			continue
		}
		depDir := dep.ConfigPath
		if !filepath.IsAbs(depDir) {
			depDir = filepath.Join(unit.Path, depDir)
		}
		depDir = filepath.Clean(depDir)

		var rs *config.RemoteStateBlock
		if r.opts.FetchOutputsFromState {
			rs = r.remoteStateFor(depDir)
		}
		val, err := r.outputs.GetOutputs(ctx, outputs.Request{
			UnitDir:     depDir,
			Block:       dep,
			RemoteState: rs,
			Env:         env,
		}, r.opts.Command)
		if err != nil {
			return nil, err
		}
		resolved[dep.Name] = val
	}
	return resolved, nil
}

// remoteStateFor parses a dependency's configuration just far enough to
// learn where its state lives. The parse runs without injected outputs,
// so a remote_state block that references dependency outputs fails here
// and the read falls back to the tool.
func (r *Runner) remoteStateFor(depDir string) *config.RemoteStateBlock {
	r.rsMu.Lock()
	if rs, ok := r.remoteStates[depDir]; ok {
		r.rsMu.Unlock()
		return rs
	}
	r.rsMu.Unlock()

	parser := config.New(config.Options{
		RunCache:         r.runCache,
		FeatureOverrides: r.opts.FeatureOverrides,
		Logger:           r.logger,
	})
	var rs *config.RemoteStateBlock
	doc, err := parser.ParseFile(filepath.Join(depDir, config.UnitFileName))
	if err == nil {
		rs = doc.RemoteState
	} else {
		r.logger.Debug("could not resolve dependency remote state",
			zap.String("dependency", depDir), zap.Error(err))
	}

	r.rsMu.Lock()
	r.remoteStates[depDir] = rs
	r.rsMu.Unlock()
	return rs
}

// resolveWorkDir materializes terraform.source when one is set and
// carries the unit's lock file into the scratch tree.
func (r *Runner) resolveWorkDir(ctx context.Context, unit *graph.Unit, doc *config.Document) (string, error) {
	source := r.opts.Source
	if source == "" && doc.Terraform != nil && doc.Terraform.Source != nil {
		source = *doc.Terraform.Source
	}
	req := cache.Request{Source: source, UnitDir: unit.Path}
	if doc.DownloadDir != nil {
		req.DownloadDir = *doc.DownloadDir
	}
	workDir, err := r.sources.Fetch(ctx, req)
	if err != nil {
		return "", err
	}
	if workDir != unit.Path && copyLockFile(doc) {
		if err := copyIfExists(filepath.Join(unit.Path, lockFileName), filepath.Join(workDir, lockFileName)); err != nil {
			return "", err
		}
	}
	return workDir, nil
}

func copyLockFile(doc *config.Document) bool {
	if doc.Terraform == nil || doc.Terraform.CopyTerraformLockFile == nil {
		return true
	}
	return *doc.Terraform.CopyTerraformLockFile
}

func copyIfExists(src, dst string) error {
	data, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func (r *Runner) toolFor(binary string) (tool.Tool, error) {
	if r.opts.ToolForBinary == nil {
		r.logger.Warn("terraform_binary set but no plugin constructor wired, using the default binary",
			zap.String("binary", binary))
		return r.tool, nil
	}
	return r.opts.ToolForBinary(binary)
}

// extraArgs collects terraform.extra_arguments values whose command list
// covers the current command. Extra arguments precede caller args so
// explicit flags win.
func extraArgs(doc *config.Document, command string) []string {
	if doc.Terraform == nil {
		return nil
	}
	var args []string
	for _, block := range doc.Terraform.ExtraArguments {
		if !commandCovered(block.Commands, command) {
			continue
		}
		args = append(args, block.Arguments...)
	}
	return args
}

func commandCovered(commands []string, command string) bool {
	for _, c := range commands {
		if c == command {
			return true
		}
	}
	return false
}

// applyUnitEnv layers extra_arguments env_vars under the existing
// environment: unit config never overrides credentials or caller env.
func applyUnitEnv(env map[string]string, doc *config.Document, command string) {
	if doc.Terraform == nil {
		return
	}
	for _, block := range doc.Terraform.ExtraArguments {
		if !commandCovered(block.Commands, command) {
			continue
		}
		for k, v := range block.EnvVars {
			if _, ok := env[k]; !ok {
				env[k] = v
			}
		}
	}
}

func mergeEnv(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// mutating reports whether a successful command invalidates previously
// cached outputs of the unit.
func mutating(command string) bool {
	switch command {
	case "apply", "destroy":
		return true
	}
	return false
}

func ignoredReason(action policy.Action) string {
	if action.Message != "" {
		return "error ignored: " + action.Message
	}
	return "error ignored by rule " + action.Rule
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// scheduler tracks which units are ready to run. Edges count into
// inDegree; finishing a unit decrements its successors and queues any
// that reach zero. For destructive commands the edge direction flips so
// dependents run before their dependencies.
type scheduler struct {
	mu         sync.Mutex
	inDegree   map[string]int
	successors map[string][]string
	blocked    map[string]bool
	ready      chan string
	remaining  int
	ignoreDeps bool
}

func newScheduler(g *graph.Graph, reversed, ignoreDeps bool) *scheduler {
	paths := g.Paths()
	s := &scheduler{
		inDegree:   make(map[string]int, len(paths)),
		successors: make(map[string][]string, len(paths)),
		blocked:    make(map[string]bool),
		ready:      make(chan string, len(paths)),
		remaining:  len(paths),
		ignoreDeps: ignoreDeps,
	}
	for _, path := range paths {
		s.inDegree[path] = 0
	}
	for _, path := range paths {
		for _, dep := range g.Units[path].DependsOn {
			if _, known := s.inDegree[dep]; !known {
				// edges pointing outside the graph never gate scheduling
				continue
			}
			from, to := dep, path
			if reversed {
				from, to = to, from
			}
			s.inDegree[to]++
			s.successors[from] = append(s.successors[from], to)
		}
	}
	for _, path := range paths {
		if s.inDegree[path] == 0 {
			s.ready <- path
		}
	}
	if len(paths) == 0 {
		close(s.ready)
	}
	return s
}

// next blocks until a unit is ready or the queue drains. A canceled
// context stops the handout.
func (s *scheduler) next(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case path, ok := <-s.ready:
		return path, ok
	}
}

// finish marks a unit complete. A failed unit blocks its successors,
// transitively: a blocked unit that finishes as skipped carries the
// block onward.
func (s *scheduler) finish(path string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block := (failed || s.blocked[path]) && !s.ignoreDeps
	for _, succ := range s.successors[path] {
		if block {
			s.blocked[succ] = true
		}
		s.inDegree[succ]--
		if s.inDegree[succ] == 0 {
			s.ready <- succ
		}
	}
	s.remaining--
	if s.remaining == 0 {
		close(s.ready)
	}
}

func (s *scheduler) isBlocked(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[path]
}
