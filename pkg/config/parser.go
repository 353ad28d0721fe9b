package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"go.uber.org/zap"

	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
	"github.com/terragrid-io/terragrid/pkg/log"
)

// Mode selects how much of a configuration file is parsed.
type Mode int

const (
	// ParseAll evaluates the complete document.
	ParseAll Mode = iota

	// ParseDependenciesOnly decodes only the blocks needed to build the
	// dependency graph: include, locals, feature, dependency, dependencies,
	// and exclude. Inputs and other expensive expressions are never
	// evaluated in this mode.
	ParseDependenciesOnly
)

// DefaultMaxDepth bounds recursive configuration reads.
const DefaultMaxDepth = 20

// Options configures a Parser.
type Options struct {
	Mode Mode

	// RunCache memoizes side-effecting built-in calls. Required for
	// exactly-once semantics across documents; a fresh cache is created
	// when nil.
	RunCache *RunCache

	// FeatureOverrides maps flag names to override values from the CLI or
	// environment. Overrides short-circuit default expression evaluation.
	FeatureOverrides map[string]string

	// DependencyOutputs injects resolved outputs for the top-level
	// document's dependency blocks, keyed by block name. Documents parsed
	// through read_unit_config fall back to declared mock outputs instead.
	DependencyOutputs map[string]cty.Value

	// MaxDepth bounds the read_unit_config recursion chain.
	MaxDepth int

	// WorkingDir is reported by get_working_dir when set.
	WorkingDir string

	Logger *zap.Logger
}

// Parser parses terragrid configuration files.
type Parser struct {
	opts Options
}

// New creates a parser.
func New(opts Options) *Parser {
	if opts.RunCache == nil {
		opts.RunCache = NewRunCache()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	opts.Logger = log.OrNop(opts.Logger)
	return &Parser{opts: opts}
}

// parseContext carries per-file parse state plus the read chain shared
// across recursive parses.
//
// unitDir is the directory context-sensitive built-ins treat as the
// current unit. When a parent file is parsed on behalf of an include,
// unitDir stays the child's directory: the parent's expressions evaluate
// as if written in the child, which is what makes per-child values like
// path_relative_to_include work from a shared root configuration.
type parseContext struct {
	runCache    *RunCache
	logger      *zap.Logger
	originalDir string
	unitDir     string
	stack       []string
	includes    []*IncludeDeclaration
	depOutputs  map[string]cty.Value
}

// ParseFile parses the configuration file at path.
func (p *Parser) ParseFile(path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, tgerrors.ParseError(path, err)
	}
	pc := &parseContext{
		runCache:    p.opts.RunCache,
		logger:      p.opts.Logger,
		originalDir: filepath.Dir(abs),
		unitDir:     filepath.Dir(abs),
		depOutputs:  p.opts.DependencyOutputs,
	}
	return p.parseFile(pc, abs, false)
}

// readConfig parses another file on behalf of read_unit_config, guarding
// recursion depth and cyclic reads over the chain of open files.
func (p *Parser) readConfig(pc *parseContext, path string) (*Document, error) {
	if len(pc.stack) >= p.opts.MaxDepth {
		return nil, tgerrors.ParseError(path, fmt.Errorf(
			"configuration read chain exceeds %d levels; check read_unit_config for unbounded recursion", p.opts.MaxDepth))
	}
	for _, open := range pc.stack {
		if open == path {
			return nil, tgerrors.ParseError(path, fmt.Errorf(
				"cyclic configuration read: %s is already being parsed", path))
		}
	}
	inner := &parseContext{
		runCache:    pc.runCache,
		logger:      pc.logger,
		originalDir: pc.originalDir,
		unitDir:     filepath.Dir(path),
		stack:       pc.stack,
	}
	return p.parseFile(inner, path, false)
}

func (p *Parser) parseFile(pc *parseContext, path string, forbidIncludes bool) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tgerrors.ParseError(path, err)
	}

	file, diags := hclparse.NewParser().ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, tgerrors.ParseError(path, fmt.Errorf("%s", diags.Error()))
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, tgerrors.ParseError(path, fmt.Errorf("only native HCL syntax is supported"))
	}

	pc = &parseContext{
		runCache:    pc.runCache,
		logger:      pc.logger,
		originalDir: pc.originalDir,
		unitDir:     pc.unitDir,
		stack:       append(pc.stack, path),
		includes:    pc.includes,
		depOutputs:  pc.depOutputs,
	}

	doc := &Document{
		Path: path,
		Dir:  filepath.Dir(path),
	}

	// Includes resolve first; their paths may only use functions, not
	// variables, so resolution stays decidable.
	includes, incDiags := p.decodeIncludes(pc, body, doc.Dir)
	diags = append(diags, incDiags...)
	if diags.HasErrors() {
		return nil, tgerrors.ParseError(path, fmt.Errorf("%s", diags.Error()))
	}
	if forbidIncludes && len(includes) > 0 {
		return nil, tgerrors.MergeError(path,
			"nested includes are not supported: an included configuration must not contain include blocks")
	}
	if len(includes) > 0 {
		// Parents evaluate against the child's include declarations so
		// include-relative built-ins resolve inside the parent file too.
		pc.includes = includes
	}
	doc.Includes = includes
	for _, inc := range includes {
		if inc.Path == path {
			return nil, tgerrors.MergeError(path, "configuration includes itself")
		}
		parent, err := p.parseFile(pc, inc.Path, true)
		if err != nil {
			return nil, err
		}
		inc.parent = parent
	}

	fullExposure, graphExposure, err := includeExposures(includes)
	if err != nil {
		return nil, tgerrors.ParseError(path, err)
	}
	localsExposure := fullExposure
	if p.opts.Mode == ParseDependenciesOnly {
		localsExposure = graphExposure
	}

	// Locals evaluate iteratively since they may reference each other.
	locals, localDiags := p.evaluateLocals(pc, body, pc.unitDir, localsExposure)
	diags = append(diags, localDiags...)
	if diags.HasErrors() {
		return nil, tgerrors.ParseError(path, fmt.Errorf("%s", diags.Error()))
	}
	doc.Locals = locals

	features, featDiags := p.decodeFeatures(pc, body, pc.unitDir, locals, localsExposure)
	diags = append(diags, featDiags...)
	if diags.HasErrors() {
		return nil, tgerrors.ParseError(path, fmt.Errorf("%s", diags.Error()))
	}
	doc.Features = features

	// Dependency declarations always evaluate against the restricted
	// include exposure so graph construction never needs tool output.
	graphVars := p.baseVars(locals, graphExposure, features)
	depDiags := p.decodeDependencyBlocks(pc, body, doc, graphVars)
	diags = append(diags, depDiags...)
	if diags.HasErrors() {
		return nil, tgerrors.ParseError(path, fmt.Errorf("%s", diags.Error()))
	}

	if p.opts.Mode == ParseDependenciesOnly {
		partialVars := p.baseVars(locals, graphExposure, features)
		partialDiags := p.decodePartialRemainder(pc, body, doc, partialVars)
		diags = append(diags, partialDiags...)
		if diags.HasErrors() {
			return nil, tgerrors.ParseError(path, fmt.Errorf("%s", diags.Error()))
		}
		return mergeWithParents(doc)
	}

	fullVars := p.baseVars(locals, fullExposure, features)
	fullVars["dependency"] = dependencyVars(doc, pc.depOutputs)

	remDiags := p.decodeRemainder(pc, body, doc, fullVars)
	diags = append(diags, remDiags...)
	if diags.HasErrors() {
		return nil, tgerrors.ParseError(path, fmt.Errorf("%s", diags.Error()))
	}

	return mergeWithParents(doc)
}

// baseVars assembles the variable set shared by every evaluation phase.
func (p *Parser) baseVars(locals map[string]cty.Value, includeExposure cty.Value, features []*FeatureBlock) map[string]cty.Value {
	vars := map[string]cty.Value{
		"local": mapToObject(locals),
	}
	if includeExposure != cty.NilVal {
		vars["include"] = includeExposure
	}
	if len(features) > 0 {
		featVals := make(map[string]cty.Value, len(features))
		for _, f := range features {
			featVals[f.Name] = cty.ObjectVal(map[string]cty.Value{
				"value": f.Value.ToCty(),
			})
		}
		vars["feature"] = cty.ObjectVal(featVals)
	}
	return vars
}

func (p *Parser) evalCtx(pc *parseContext, dir string, vars map[string]cty.Value) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: vars,
		Functions: p.functions(pc, dir),
	}
}

// dependencyVars builds the dependency.<name> variables. Injected outputs
// win; otherwise declared mocks stand in, which is the documented behavior
// for configurations parsed outside a run (read_unit_config).
func dependencyVars(doc *Document, injected map[string]cty.Value) cty.Value {
	vals := make(map[string]cty.Value)
	for _, dep := range doc.Dependency {
		entry := map[string]cty.Value{
			"config_path": cty.StringVal(dep.ConfigPath),
		}
		if out, ok := injected[dep.Name]; ok {
			entry["outputs"] = out
		} else if !dep.SkipOutputs && dep.MockOutputs != cty.NilVal && !dep.MockOutputs.IsNull() {
			entry["outputs"] = dep.MockOutputs
		}
		vals[dep.Name] = cty.ObjectVal(entry)
	}
	if len(vals) == 0 {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(vals)
}

// decodeIncludes extracts include blocks. The label is optional and
// defaults to "root".
func (p *Parser) decodeIncludes(pc *parseContext, body *hclsyntax.Body, dir string) ([]*IncludeDeclaration, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	var includes []*IncludeDeclaration
	seen := make(map[string]bool)

	for _, block := range body.Blocks {
		if block.Type != "include" {
			continue
		}
		label := "root"
		if len(block.Labels) > 0 {
			label = block.Labels[0]
		}
		if seen[label] {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate include label",
				Detail:   fmt.Sprintf("An include labeled %q was already declared.", label),
				Subject:  block.DefRange().Ptr(),
			})
			continue
		}
		seen[label] = true

		inc := &IncludeDeclaration{Label: label, Strategy: ShallowMerge}

		schema := &hcl.BodySchema{
			Attributes: []hcl.AttributeSchema{
				{Name: "path", Required: true},
				{Name: "expose"},
				{Name: "merge_strategy"},
			},
		}
		content, moreDiags := block.Body.Content(schema)
		diags = append(diags, moreDiags...)

		// Include paths may use functions but no variables.
		hclCtx := p.evalCtx(pc, dir, nil)

		if attr, ok := content.Attributes["path"]; ok {
			path, set, valDiags := evalString(attr, hclCtx)
			diags = append(diags, valDiags...)
			if set {
				if !filepath.IsAbs(path) {
					path = filepath.Join(dir, path)
				}
				inc.Path = filepath.Clean(path)
			}
		}

		if attr, ok := content.Attributes["expose"]; ok {
			b, set, valDiags := evalBool(attr, hclCtx)
			diags = append(diags, valDiags...)
			if set {
				inc.Expose = b
			}
		}

		if attr, ok := content.Attributes["merge_strategy"]; ok {
			s, set, valDiags := evalString(attr, hclCtx)
			diags = append(diags, valDiags...)
			if set {
				strategy := MergeStrategy(s)
				switch strategy {
				case NoMerge, ShallowMerge, DeepMerge:
					inc.Strategy = strategy
				default:
					diags = append(diags, &hcl.Diagnostic{
						Severity: hcl.DiagError,
						Summary:  "Invalid merge strategy",
						Detail:   fmt.Sprintf("merge_strategy must be no_merge, shallow, or deep, got %q.", strategy),
						Subject:  attr.Range.Ptr(),
					})
				}
			}
		}

		if inc.Path != "" {
			includes = append(includes, inc)
		}
	}

	return includes, diags
}

// evaluateLocals resolves the locals block iteratively: each pass evaluates
// every local whose local.* references are already satisfied, until no
// progress remains. An expression is never evaluated while a local it
// reads is still pending — try() and can() must only observe genuine
// errors, not resolution order. Unresolvable locals are reported together.
func (p *Parser) evaluateLocals(pc *parseContext, body *hclsyntax.Body, dir string, includeExposure cty.Value) (map[string]cty.Value, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	pending := make(map[string]hclsyntax.Expression)
	order := []string{}

	for _, block := range body.Blocks {
		if block.Type != "locals" {
			continue
		}
		for name, attr := range block.Body.Attributes {
			if _, dup := pending[name]; dup {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate local",
					Detail:   fmt.Sprintf("The local %q is defined more than once.", name),
					Subject:  attr.SrcRange.Ptr(),
				})
				continue
			}
			pending[name] = attr.Expr
			order = append(order, name)
		}
	}
	sort.Strings(order)

	locals := make(map[string]cty.Value)
	lastDiags := map[string]hcl.Diagnostics{}

	for len(pending) > 0 {
		progress := false
		for _, name := range order {
			expr, still := pending[name]
			if !still {
				continue
			}
			if referencesPendingLocal(expr, name, pending) {
				continue
			}
			vars := map[string]cty.Value{"local": mapToObject(locals)}
			if includeExposure != cty.NilVal {
				vars["include"] = includeExposure
			}
			val, valDiags := expr.Value(p.evalCtx(pc, dir, vars))
			if valDiags.HasErrors() {
				lastDiags[name] = valDiags
				continue
			}
			locals[name] = val
			delete(pending, name)
			progress = true
		}
		if !progress {
			break
		}
	}

	for _, name := range order {
		if _, still := pending[name]; !still {
			continue
		}
		diags = append(diags, lastDiags[name]...)
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Unresolvable local",
			Detail:   fmt.Sprintf("The local %q could not be evaluated; check for undefined references or reference cycles.", name),
		})
	}

	return locals, diags
}

// referencesPendingLocal reports whether expr reads a local, other than
// itself, that has not resolved yet. Self-references evaluate anyway so
// their genuine error is the one reported.
func referencesPendingLocal(expr hclsyntax.Expression, self string, pending map[string]hclsyntax.Expression) bool {
	for _, tr := range expr.Variables() {
		if tr.RootName() != "local" {
			continue
		}
		if len(tr) < 2 {
			// Bare local: the whole object is read, wait for everything.
			for name := range pending {
				if name != self {
					return true
				}
			}
			continue
		}
		var name string
		switch t := tr[1].(type) {
		case hcl.TraverseAttr:
			name = t.Name
		case hcl.TraverseIndex:
			if t.Key.Type() == cty.String {
				name = t.Key.AsString()
			}
		}
		if name == "" || name == self {
			continue
		}
		if _, still := pending[name]; still {
			return true
		}
	}
	return false
}

// decodeFeatures resolves feature blocks. An override short-circuits the
// default expression entirely: the default is never evaluated when the
// flag is overridden.
func (p *Parser) decodeFeatures(pc *parseContext, body *hclsyntax.Body, dir string, locals map[string]cty.Value, includeExposure cty.Value) ([]*FeatureBlock, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	var features []*FeatureBlock
	seen := make(map[string]bool)

	for _, block := range body.Blocks {
		if block.Type != "feature" {
			continue
		}
		if len(block.Labels) != 1 {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid feature block",
				Detail:   "A feature block requires exactly one label naming the flag.",
				Subject:  block.DefRange().Ptr(),
			})
			continue
		}
		name := block.Labels[0]
		if seen[name] {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate feature flag",
				Detail:   fmt.Sprintf("The feature %q is declared more than once.", name),
				Subject:  block.DefRange().Ptr(),
			})
			continue
		}
		seen[name] = true

		feature := &FeatureBlock{Name: name}
		defaultAttr, hasDefault := block.Body.Attributes["default"]
		if hasDefault {
			feature.DefaultExpr = defaultAttr.Expr
		}

		if override, ok := p.opts.FeatureOverrides[name]; ok {
			feature.Value = ParseFeatureValue(override)
			features = append(features, feature)
			continue
		}

		if !hasDefault {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Feature flag without default",
				Detail:   fmt.Sprintf("The feature %q has no default and no override was provided.", name),
				Subject:  block.DefRange().Ptr(),
			})
			continue
		}

		vars := map[string]cty.Value{"local": mapToObject(locals)}
		if includeExposure != cty.NilVal {
			vars["include"] = includeExposure
		}
		val, valDiags := defaultAttr.Expr.Value(p.evalCtx(pc, dir, vars))
		diags = append(diags, valDiags...)
		if valDiags.HasErrors() {
			continue
		}
		fv, err := FeatureValueFromCty(val)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid feature default",
				Detail:   fmt.Sprintf("Feature %q: %s.", name, err),
				Subject:  defaultAttr.SrcRange.Ptr(),
			})
			continue
		}
		feature.Value = fv
		features = append(features, feature)
	}

	return features, diags
}

// decodeDependencyBlocks parses dependency and dependencies declarations.
func (p *Parser) decodeDependencyBlocks(pc *parseContext, body *hclsyntax.Body, doc *Document, vars map[string]cty.Value) hcl.Diagnostics {
	var diags hcl.Diagnostics
	hclCtx := p.evalCtx(pc, pc.unitDir, vars)
	seen := make(map[string]bool)

	for _, block := range body.Blocks {
		switch block.Type {
		case "dependency":
			if len(block.Labels) != 1 {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid dependency block",
					Detail:   "A dependency block requires exactly one label naming the dependency.",
					Subject:  block.DefRange().Ptr(),
				})
				continue
			}
			dep, depDiags := p.parseDependency(block, hclCtx)
			diags = append(diags, depDiags...)
			if dep == nil {
				continue
			}
			if seen[dep.Name] {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate dependency",
					Detail:   fmt.Sprintf("A dependency named %q was already declared.", dep.Name),
					Subject:  block.DefRange().Ptr(),
				})
				continue
			}
			seen[dep.Name] = true
			doc.Dependency = append(doc.Dependency, dep)

		case "dependencies":
			depsSchema := &hcl.BodySchema{
				Attributes: []hcl.AttributeSchema{
					{Name: "paths", Required: true},
				},
			}
			content, moreDiags := block.Body.Content(depsSchema)
			diags = append(diags, moreDiags...)
			if attr, ok := content.Attributes["paths"]; ok {
				paths, pathDiags := evalStringSlice(attr, hclCtx)
				diags = append(diags, pathDiags...)
				if doc.Dependencies == nil {
					doc.Dependencies = &DependenciesBlock{}
				}
				doc.Dependencies.Paths = append(doc.Dependencies.Paths, paths...)
			}
		}
	}

	return diags
}

func (p *Parser) parseDependency(block *hclsyntax.Block, hclCtx *hcl.EvalContext) (*DependencyBlock, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	depSchema := &hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{
			{Name: "config_path", Required: true},
			{Name: "enabled"},
			{Name: "skip_outputs"},
			{Name: "mock_outputs"},
			{Name: "mock_outputs_allowed_commands"},
			{Name: "mock_outputs_merge_strategy_with_state"},
		},
	}
	content, moreDiags := block.Body.Content(depSchema)
	diags = append(diags, moreDiags...)

	dep := &DependencyBlock{
		Name:                     block.Labels[0],
		MockOutputsMergeStrategy: MockNoMerge,
	}

	if attr, ok := content.Attributes["config_path"]; ok {
		s, set, valDiags := evalString(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			dep.ConfigPath = s
		}
		if !valDiags.HasErrors() && dep.ConfigPath == "" {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid dependency",
				Detail:   fmt.Sprintf("dependency %q requires a non-empty config_path.", dep.Name),
				Subject:  attr.Range.Ptr(),
			})
		}
	}

	if attr, ok := content.Attributes["enabled"]; ok {
		b, set, valDiags := evalBool(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			dep.Enabled = &b
		}
	}

	if attr, ok := content.Attributes["skip_outputs"]; ok {
		b, set, valDiags := evalBool(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			dep.SkipOutputs = b
		}
	}

	if attr, ok := content.Attributes["mock_outputs"]; ok {
		val, valDiags := attr.Expr.Value(hclCtx)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() && !val.IsNull() {
			dep.MockOutputs = val
		}
	}

	if attr, ok := content.Attributes["mock_outputs_allowed_commands"]; ok {
		vals, valDiags := evalStringSlice(attr, hclCtx)
		diags = append(diags, valDiags...)
		dep.MockOutputsAllowedCommands = vals
	}

	if attr, ok := content.Attributes["mock_outputs_merge_strategy_with_state"]; ok {
		s, set, valDiags := evalString(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			strategy := MockMergeStrategy(s)
			switch strategy {
			case MockNoMerge, MockShallow, MockDeepMapOnly:
				dep.MockOutputsMergeStrategy = strategy
			default:
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid mock merge strategy",
					Detail:   fmt.Sprintf("mock_outputs_merge_strategy_with_state must be no_merge, shallow, or deep_map_only, got %q.", strategy),
					Subject:  attr.Range.Ptr(),
				})
			}
		}
	}

	return dep, diags
}

// decodePartialRemainder handles the blocks the graph builder needs beyond
// dependencies: exclusion rules and the skip attribute.
func (p *Parser) decodePartialRemainder(pc *parseContext, body *hclsyntax.Body, doc *Document, vars map[string]cty.Value) hcl.Diagnostics {
	var diags hcl.Diagnostics
	hclCtx := p.evalCtx(pc, pc.unitDir, vars)

	for _, block := range body.Blocks {
		if block.Type == "exclude" {
			exclude, exclDiags := p.parseExclude(block, hclCtx)
			diags = append(diags, exclDiags...)
			doc.Exclude = exclude
		}
	}

	if attr, ok := body.Attributes["skip"]; ok {
		b, set, valDiags := evalBool(attr.AsHCLAttribute(), hclCtx)
		diags = append(diags, valDiags...)
		if set {
			doc.Skip = &b
		}
	}

	return diags
}

// decodeRemainder evaluates every remaining block and attribute with the
// full context.
func (p *Parser) decodeRemainder(pc *parseContext, body *hclsyntax.Body, doc *Document, vars map[string]cty.Value) hcl.Diagnostics {
	var diags hcl.Diagnostics
	hclCtx := p.evalCtx(pc, pc.unitDir, vars)

	for _, block := range body.Blocks {
		switch block.Type {
		case "include", "locals", "feature", "dependency", "dependencies":
			// Handled in earlier phases.
		case "terraform":
			tf, tfDiags := p.parseTerraform(block, hclCtx)
			diags = append(diags, tfDiags...)
			doc.Terraform = tf
		case "remote_state":
			rs, rsDiags := p.parseRemoteState(block, hclCtx)
			diags = append(diags, rsDiags...)
			doc.RemoteState = rs
		case "generate":
			gen, genDiags := p.parseGenerate(block, hclCtx)
			diags = append(diags, genDiags...)
			if gen != nil {
				doc.Generate = append(doc.Generate, gen)
			}
		case "errors":
			errs, errDiags := p.parseErrors(block, hclCtx)
			diags = append(diags, errDiags...)
			doc.Errors = errs
		case "exclude":
			exclude, exclDiags := p.parseExclude(block, hclCtx)
			diags = append(diags, exclDiags...)
			doc.Exclude = exclude
		default:
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unsupported block type",
				Detail:   fmt.Sprintf("Blocks of type %q are not expected here.", block.Type),
				Subject:  block.DefRange().Ptr(),
			})
		}
	}

	attrDiags := p.decodeTopAttributes(body, doc, hclCtx)
	diags = append(diags, attrDiags...)

	return diags
}

func (p *Parser) decodeTopAttributes(body *hclsyntax.Body, doc *Document, hclCtx *hcl.EvalContext) hcl.Diagnostics {
	var diags hcl.Diagnostics

	for name, attr := range body.Attributes {
		switch name {
		case "inputs":
			val, valDiags := attr.Expr.Value(hclCtx)
			diags = append(diags, valDiags...)
			if valDiags.HasErrors() {
				continue
			}
			if val.IsNull() {
				doc.Inputs = map[string]cty.Value{}
				continue
			}
			if !val.Type().IsObjectType() && !val.Type().IsMapType() {
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid inputs",
					Detail:   fmt.Sprintf("inputs must be an object or map, got %s.", val.Type().FriendlyName()),
					Subject:  attr.SrcRange.Ptr(),
				})
				continue
			}
			if val.LengthInt() > 0 {
				doc.Inputs = val.AsValueMap()
			} else {
				doc.Inputs = map[string]cty.Value{}
			}
		case "skip":
			b, set, valDiags := evalBool(attr.AsHCLAttribute(), hclCtx)
			diags = append(diags, valDiags...)
			if set {
				doc.Skip = &b
			}
		case "prevent_destroy":
			b, set, valDiags := evalBool(attr.AsHCLAttribute(), hclCtx)
			diags = append(diags, valDiags...)
			if set {
				doc.PreventDestroy = &b
			}
		case "iam_role":
			s, set, valDiags := evalString(attr.AsHCLAttribute(), hclCtx)
			diags = append(diags, valDiags...)
			if set {
				doc.IamRole = &s
			}
		case "download_dir":
			s, set, valDiags := evalString(attr.AsHCLAttribute(), hclCtx)
			diags = append(diags, valDiags...)
			if set {
				doc.DownloadDir = &s
			}
		case "terraform_binary":
			s, set, valDiags := evalString(attr.AsHCLAttribute(), hclCtx)
			diags = append(diags, valDiags...)
			if set {
				doc.TerraformBinary = &s
			}
		default:
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unsupported attribute",
				Detail:   fmt.Sprintf("The attribute %q is not expected here.", name),
				Subject:  attr.SrcRange.Ptr(),
			})
		}
	}

	return diags
}

func (p *Parser) parseTerraform(block *hclsyntax.Block, hclCtx *hcl.EvalContext) (*TerraformBlock, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	tfSchema := &hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{
			{Name: "source"},
			{Name: "copy_terraform_lock_file"},
		},
		Blocks: []hcl.BlockHeaderSchema{
			{Type: "extra_arguments", LabelNames: []string{"name"}},
		},
	}
	content, moreDiags := block.Body.Content(tfSchema)
	diags = append(diags, moreDiags...)

	tf := &TerraformBlock{}

	if attr, ok := content.Attributes["source"]; ok {
		s, set, valDiags := evalString(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			tf.Source = &s
		}
	}

	if attr, ok := content.Attributes["copy_terraform_lock_file"]; ok {
		b, set, valDiags := evalBool(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			tf.CopyTerraformLockFile = &b
		}
	}

	for _, extraBlock := range content.Blocks.OfType("extra_arguments") {
		extra, extraDiags := p.parseExtraArguments(extraBlock, hclCtx)
		diags = append(diags, extraDiags...)
		if extra != nil {
			tf.ExtraArguments = append(tf.ExtraArguments, extra)
		}
	}

	return tf, diags
}

func (p *Parser) parseExtraArguments(block *hcl.Block, hclCtx *hcl.EvalContext) (*ExtraArgumentsBlock, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	extraSchema := &hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{
			{Name: "commands", Required: true},
			{Name: "arguments"},
			{Name: "env_vars"},
		},
	}
	content, moreDiags := block.Body.Content(extraSchema)
	diags = append(diags, moreDiags...)

	extra := &ExtraArgumentsBlock{Name: block.Labels[0]}

	if attr, ok := content.Attributes["commands"]; ok {
		vals, valDiags := evalStringSlice(attr, hclCtx)
		diags = append(diags, valDiags...)
		extra.Commands = vals
	}

	if attr, ok := content.Attributes["arguments"]; ok {
		vals, valDiags := evalStringSlice(attr, hclCtx)
		diags = append(diags, valDiags...)
		extra.Arguments = vals
	}

	if attr, ok := content.Attributes["env_vars"]; ok {
		vals, valDiags := evalStringMap(attr, hclCtx)
		diags = append(diags, valDiags...)
		extra.EnvVars = vals
	}

	return extra, diags
}

func (p *Parser) parseRemoteState(block *hclsyntax.Block, hclCtx *hcl.EvalContext) (*RemoteStateBlock, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	rsSchema := &hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{
			{Name: "backend", Required: true},
			{Name: "disable_bootstrap"},
			{Name: "generate"},
			{Name: "config"},
		},
	}
	content, moreDiags := block.Body.Content(rsSchema)
	diags = append(diags, moreDiags...)

	rs := &RemoteStateBlock{}

	if attr, ok := content.Attributes["backend"]; ok {
		s, set, valDiags := evalString(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			rs.BackendName = s
		}
	}

	if attr, ok := content.Attributes["disable_bootstrap"]; ok {
		b, set, valDiags := evalBool(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			rs.DisableBootstrap = b
		}
	}

	if attr, ok := content.Attributes["generate"]; ok {
		val, valDiags := attr.Expr.Value(hclCtx)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() && !val.IsNull() && val.Type().IsObjectType() {
			gen := &RemoteStateGenerate{IfExists: "overwrite"}
			m := val.AsValueMap()
			if v, ok := m["path"]; ok && !v.IsNull() && v.Type() == cty.String {
				gen.Path = v.AsString()
			}
			if v, ok := m["if_exists"]; ok && !v.IsNull() && v.Type() == cty.String {
				gen.IfExists = v.AsString()
			}
			rs.Generate = gen
		}
	}

	if attr, ok := content.Attributes["config"]; ok {
		// Whether the config references dependency outputs decides if
		// outputs may be read straight from the backend later.
		for _, traversal := range attr.Expr.Variables() {
			if traversal.RootName() == "dependency" {
				rs.ConfigRefsDependencies = true
				break
			}
		}
		val, valDiags := attr.Expr.Value(hclCtx)
		diags = append(diags, valDiags...)
		if !valDiags.HasErrors() && !val.IsNull() {
			rs.Config = val
		}
	}

	return rs, diags
}

func (p *Parser) parseGenerate(block *hclsyntax.Block, hclCtx *hcl.EvalContext) (*GenerateBlock, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	if len(block.Labels) != 1 {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid generate block",
			Detail:   "A generate block requires exactly one label naming the generated file.",
			Subject:  block.DefRange().Ptr(),
		})
		return nil, diags
	}

	genSchema := &hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{
			{Name: "path", Required: true},
			{Name: "contents", Required: true},
			{Name: "if_exists"},
			{Name: "disable"},
			{Name: "comment_prefix"},
		},
	}
	content, moreDiags := block.Body.Content(genSchema)
	diags = append(diags, moreDiags...)

	gen := &GenerateBlock{
		Name:          block.Labels[0],
		IfExists:      "error",
		CommentPrefix: "# ",
	}

	if attr, ok := content.Attributes["path"]; ok {
		s, set, valDiags := evalString(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			gen.Path = s
		}
	}

	if attr, ok := content.Attributes["contents"]; ok {
		s, set, valDiags := evalString(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			gen.Contents = s
		}
	}

	if attr, ok := content.Attributes["if_exists"]; ok {
		mode, set, valDiags := evalString(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			switch mode {
			case "overwrite", "overwrite_terragrid", "skip", "error":
				gen.IfExists = mode
			default:
				diags = append(diags, &hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid if_exists mode",
					Detail:   fmt.Sprintf("if_exists must be overwrite, overwrite_terragrid, skip, or error, got %q.", mode),
					Subject:  attr.Range.Ptr(),
				})
			}
		}
	}

	if attr, ok := content.Attributes["disable"]; ok {
		b, set, valDiags := evalBool(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			gen.Disable = b
		}
	}

	if attr, ok := content.Attributes["comment_prefix"]; ok {
		s, set, valDiags := evalString(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			gen.CommentPrefix = s
		}
	}

	return gen, diags
}

func (p *Parser) parseErrors(block *hclsyntax.Block, hclCtx *hcl.EvalContext) (*ErrorsBlock, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	errSchema := &hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{
			{Type: "retry", LabelNames: []string{"name"}},
			{Type: "ignore", LabelNames: []string{"name"}},
		},
	}
	content, moreDiags := block.Body.Content(errSchema)
	diags = append(diags, moreDiags...)

	errs := &ErrorsBlock{}

	for _, retryBlock := range content.Blocks.OfType("retry") {
		retrySchema := &hcl.BodySchema{
			Attributes: []hcl.AttributeSchema{
				{Name: "retryable_errors", Required: true},
				{Name: "max_attempts"},
				{Name: "sleep_interval_sec"},
			},
		}
		retryContent, retryDiags := retryBlock.Body.Content(retrySchema)
		diags = append(diags, retryDiags...)

		retry := &RetryBlock{
			Label:            retryBlock.Labels[0],
			MaxAttempts:      3,
			SleepIntervalSec: 5,
		}
		if attr, ok := retryContent.Attributes["retryable_errors"]; ok {
			vals, valDiags := evalStringSlice(attr, hclCtx)
			diags = append(diags, valDiags...)
			retry.RetryableErrors = vals
		}
		if attr, ok := retryContent.Attributes["max_attempts"]; ok {
			i, set, valDiags := evalInt(attr, hclCtx)
			diags = append(diags, valDiags...)
			if set {
				retry.MaxAttempts = i
			}
		}
		if attr, ok := retryContent.Attributes["sleep_interval_sec"]; ok {
			i, set, valDiags := evalInt(attr, hclCtx)
			diags = append(diags, valDiags...)
			if set {
				retry.SleepIntervalSec = i
			}
		}
		errs.Retry = append(errs.Retry, retry)
	}

	for _, ignoreBlock := range content.Blocks.OfType("ignore") {
		ignoreSchema := &hcl.BodySchema{
			Attributes: []hcl.AttributeSchema{
				{Name: "ignorable_errors", Required: true},
				{Name: "message"},
				{Name: "signals"},
			},
		}
		ignoreContent, ignoreDiags := ignoreBlock.Body.Content(ignoreSchema)
		diags = append(diags, ignoreDiags...)

		ignore := &IgnoreBlock{Label: ignoreBlock.Labels[0]}
		if attr, ok := ignoreContent.Attributes["ignorable_errors"]; ok {
			vals, valDiags := evalStringSlice(attr, hclCtx)
			diags = append(diags, valDiags...)
			ignore.IgnorableErrors = vals
		}
		if attr, ok := ignoreContent.Attributes["message"]; ok {
			s, set, valDiags := evalString(attr, hclCtx)
			diags = append(diags, valDiags...)
			if set {
				ignore.Message = s
			}
		}
		if attr, ok := ignoreContent.Attributes["signals"]; ok {
			val, valDiags := attr.Expr.Value(hclCtx)
			diags = append(diags, valDiags...)
			if !valDiags.HasErrors() && !val.IsNull() && (val.Type().IsObjectType() || val.Type().IsMapType()) && val.LengthInt() > 0 {
				ignore.Signals = val.AsValueMap()
			}
		}
		errs.Ignore = append(errs.Ignore, ignore)
	}

	return errs, diags
}

func (p *Parser) parseExclude(block *hclsyntax.Block, hclCtx *hcl.EvalContext) (*ExcludeBlock, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	exclSchema := &hcl.BodySchema{
		Attributes: []hcl.AttributeSchema{
			{Name: "if"},
			{Name: "actions", Required: true},
			{Name: "exclude_dependencies"},
			{Name: "no_run"},
		},
	}
	content, moreDiags := block.Body.Content(exclSchema)
	diags = append(diags, moreDiags...)

	// A missing if condition means the exclusion is unconditional.
	exclude := &ExcludeBlock{If: true}

	if attr, ok := content.Attributes["if"]; ok {
		b, set, valDiags := evalBool(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			exclude.If = b
		}
	}

	if attr, ok := content.Attributes["actions"]; ok {
		vals, valDiags := evalStringSlice(attr, hclCtx)
		diags = append(diags, valDiags...)
		exclude.Actions = vals
	}

	if attr, ok := content.Attributes["exclude_dependencies"]; ok {
		b, set, valDiags := evalBool(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			exclude.ExcludeDependencies = &b
		}
	}

	if attr, ok := content.Attributes["no_run"]; ok {
		b, set, valDiags := evalBool(attr, hclCtx)
		diags = append(diags, valDiags...)
		if set {
			exclude.NoRun = &b
		}
	}

	return exclude, diags
}

func evalStringSlice(attr *hcl.Attribute, hclCtx *hcl.EvalContext) ([]string, hcl.Diagnostics) {
	val, diags := attr.Expr.Value(hclCtx)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, diags
	}
	if !val.CanIterateElements() {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid value",
			Detail:   fmt.Sprintf("Expected a list of strings, got %s.", val.Type().FriendlyName()),
			Subject:  attr.Range.Ptr(),
		})
		return nil, diags
	}
	var out []string
	for it := val.ElementIterator(); it.Next(); {
		_, item := it.Element()
		if item.IsNull() {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid value",
				Detail:   "Expected a string element, got a null value.",
				Subject:  attr.Range.Ptr(),
			})
			return nil, diags
		}
		if item.Type() != cty.String {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid value",
				Detail:   fmt.Sprintf("Expected a string element, got %s.", item.Type().FriendlyName()),
				Subject:  attr.Range.Ptr(),
			})
			return nil, diags
		}
		out = append(out, item.AsString())
	}
	return out, diags
}

func evalStringMap(attr *hcl.Attribute, hclCtx *hcl.EvalContext) (map[string]string, hcl.Diagnostics) {
	val, diags := attr.Expr.Value(hclCtx)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, diags
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid value",
			Detail:   fmt.Sprintf("Expected a map of strings, got %s.", val.Type().FriendlyName()),
			Subject:  attr.Range.Ptr(),
		})
		return nil, diags
	}
	out := make(map[string]string)
	if val.LengthInt() == 0 {
		return out, diags
	}
	for k, v := range val.AsValueMap() {
		if v.IsNull() {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid value",
				Detail:   fmt.Sprintf("Expected a string value for %q, got a null value.", k),
				Subject:  attr.Range.Ptr(),
			})
			return nil, diags
		}
		if v.Type() != cty.String {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid value",
				Detail:   fmt.Sprintf("Expected a string value for %q, got %s.", k, v.Type().FriendlyName()),
				Subject:  attr.Range.Ptr(),
			})
			return nil, diags
		}
		out[k] = v.AsString()
	}
	return out, diags
}

// evalString evaluates attr as a string. A null or failed value reports
// false so callers keep their defaults. evalBool and evalInt behave the
// same for their types.
func evalString(attr *hcl.Attribute, hclCtx *hcl.EvalContext) (string, bool, hcl.Diagnostics) {
	val, diags := attr.Expr.Value(hclCtx)
	if diags.HasErrors() || val.IsNull() {
		return "", false, diags
	}
	converted, err := convert.Convert(val, cty.String)
	if err != nil {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid value",
			Detail:   fmt.Sprintf("Expected a string, got %s.", val.Type().FriendlyName()),
			Subject:  attr.Range.Ptr(),
		})
		return "", false, diags
	}
	return converted.AsString(), true, diags
}

func evalBool(attr *hcl.Attribute, hclCtx *hcl.EvalContext) (bool, bool, hcl.Diagnostics) {
	val, diags := attr.Expr.Value(hclCtx)
	if diags.HasErrors() || val.IsNull() {
		return false, false, diags
	}
	converted, err := convert.Convert(val, cty.Bool)
	if err != nil {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid value",
			Detail:   fmt.Sprintf("Expected a bool, got %s.", val.Type().FriendlyName()),
			Subject:  attr.Range.Ptr(),
		})
		return false, false, diags
	}
	return converted.True(), true, diags
}

func evalInt(attr *hcl.Attribute, hclCtx *hcl.EvalContext) (int, bool, hcl.Diagnostics) {
	val, diags := attr.Expr.Value(hclCtx)
	if diags.HasErrors() || val.IsNull() {
		return 0, false, diags
	}
	converted, err := convert.Convert(val, cty.Number)
	if err != nil {
		diags = append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid value",
			Detail:   fmt.Sprintf("Expected a number, got %s.", val.Type().FriendlyName()),
			Subject:  attr.Range.Ptr(),
		})
		return 0, false, diags
	}
	i, _ := converted.AsBigFloat().Int64()
	return int(i), true, diags
}
