package config

import (
	"github.com/zclconf/go-cty/cty"
)

// mergeDocuments produces a new document combining parent and child. The
// child wins wherever both set the same field. Three rules hold under
// every strategy: dependencies paths concatenate parent-first, remote_state
// and generate blocks replace wholesale, and locals are never merged.
func mergeDocuments(parent, child *Document, strategy MergeStrategy) *Document {
	merged := &Document{
		Path:     child.Path,
		Dir:      child.Dir,
		Includes: child.Includes,
		Locals:   child.Locals,
	}

	if strategy == DeepMerge {
		merged.Inputs = deepMergeValueMap(parent.Inputs, child.Inputs)
		merged.Terraform = deepMergeTerraform(parent.Terraform, child.Terraform)
		merged.Errors = deepMergeErrors(parent.Errors, child.Errors)
		merged.Exclude = deepMergeExclude(parent.Exclude, child.Exclude)
	} else {
		merged.Inputs = child.Inputs
		if merged.Inputs == nil {
			merged.Inputs = parent.Inputs
		}
		merged.Terraform = child.Terraform
		if merged.Terraform == nil {
			merged.Terraform = parent.Terraform
		}
		merged.Errors = child.Errors
		if merged.Errors == nil {
			merged.Errors = parent.Errors
		}
		merged.Exclude = child.Exclude
		if merged.Exclude == nil {
			merged.Exclude = parent.Exclude
		}
	}

	// State backend and code generation blocks never deep-merge; a child
	// block replaces the same-named parent block entirely.
	merged.RemoteState = child.RemoteState
	if merged.RemoteState == nil {
		merged.RemoteState = parent.RemoteState
	}
	merged.Generate = mergeGenerateBlocks(parent.Generate, child.Generate)

	merged.Dependencies = mergeDependenciesBlocks(parent.Dependencies, child.Dependencies)
	merged.Dependency = mergeDependencyBlocks(parent.Dependency, child.Dependency)
	merged.Features = mergeFeatureBlocks(parent.Features, child.Features)

	merged.Skip = child.Skip
	if merged.Skip == nil {
		merged.Skip = parent.Skip
	}
	merged.PreventDestroy = child.PreventDestroy
	if merged.PreventDestroy == nil {
		merged.PreventDestroy = parent.PreventDestroy
	}
	merged.IamRole = child.IamRole
	if merged.IamRole == nil {
		merged.IamRole = parent.IamRole
	}
	merged.DownloadDir = child.DownloadDir
	if merged.DownloadDir == nil {
		merged.DownloadDir = parent.DownloadDir
	}
	merged.TerraformBinary = child.TerraformBinary
	if merged.TerraformBinary == nil {
		merged.TerraformBinary = parent.TerraformBinary
	}

	return merged
}

// mergeDependenciesBlocks concatenates path lists parent-first and removes
// duplicates. Both shallow and deep strategies take this path.
func mergeDependenciesBlocks(parent, child *DependenciesBlock) *DependenciesBlock {
	if parent == nil && child == nil {
		return nil
	}
	merged := &DependenciesBlock{}
	seen := make(map[string]bool)
	appendPaths := func(block *DependenciesBlock) {
		if block == nil {
			return
		}
		for _, p := range block.Paths {
			if seen[p] {
				continue
			}
			seen[p] = true
			merged.Paths = append(merged.Paths, p)
		}
	}
	appendPaths(parent)
	appendPaths(child)
	return merged
}

// mergeDependencyBlocks unions parent and child declarations by name; a
// child block replaces the parent block with the same name.
func mergeDependencyBlocks(parent, child []*DependencyBlock) []*DependencyBlock {
	if len(parent) == 0 {
		return child
	}
	var merged []*DependencyBlock
	childNames := make(map[string]bool, len(child))
	for _, dep := range child {
		childNames[dep.Name] = true
	}
	for _, dep := range parent {
		if !childNames[dep.Name] {
			merged = append(merged, dep)
		}
	}
	return append(merged, child...)
}

func mergeFeatureBlocks(parent, child []*FeatureBlock) []*FeatureBlock {
	if len(parent) == 0 {
		return child
	}
	var merged []*FeatureBlock
	childNames := make(map[string]bool, len(child))
	for _, f := range child {
		childNames[f.Name] = true
	}
	for _, f := range parent {
		if !childNames[f.Name] {
			merged = append(merged, f)
		}
	}
	return append(merged, child...)
}

// mergeGenerateBlocks keeps parent blocks whose labels the child does not
// redefine and replaces the rest wholesale, preserving declaration order.
func mergeGenerateBlocks(parent, child []*GenerateBlock) []*GenerateBlock {
	if len(parent) == 0 {
		return child
	}
	var merged []*GenerateBlock
	childNames := make(map[string]bool, len(child))
	for _, g := range child {
		childNames[g.Name] = true
	}
	for _, g := range parent {
		if !childNames[g.Name] {
			merged = append(merged, g)
		}
	}
	return append(merged, child...)
}

func deepMergeTerraform(parent, child *TerraformBlock) *TerraformBlock {
	if parent == nil {
		return child
	}
	if child == nil {
		return parent
	}
	merged := &TerraformBlock{
		Source:                child.Source,
		CopyTerraformLockFile: child.CopyTerraformLockFile,
	}
	if merged.Source == nil {
		merged.Source = parent.Source
	}
	if merged.CopyTerraformLockFile == nil {
		merged.CopyTerraformLockFile = parent.CopyTerraformLockFile
	}

	childExtras := make(map[string]bool, len(child.ExtraArguments))
	for _, extra := range child.ExtraArguments {
		childExtras[extra.Name] = true
	}
	for _, extra := range parent.ExtraArguments {
		if !childExtras[extra.Name] {
			merged.ExtraArguments = append(merged.ExtraArguments, extra)
		}
	}
	for _, extra := range child.ExtraArguments {
		if parentExtra := findExtraArguments(parent.ExtraArguments, extra.Name); parentExtra != nil {
			merged.ExtraArguments = append(merged.ExtraArguments, deepMergeExtraArguments(parentExtra, extra))
		} else {
			merged.ExtraArguments = append(merged.ExtraArguments, extra)
		}
	}
	return merged
}

func findExtraArguments(extras []*ExtraArgumentsBlock, name string) *ExtraArgumentsBlock {
	for _, extra := range extras {
		if extra.Name == name {
			return extra
		}
	}
	return nil
}

func deepMergeExtraArguments(parent, child *ExtraArgumentsBlock) *ExtraArgumentsBlock {
	merged := &ExtraArgumentsBlock{Name: child.Name}
	merged.Commands = append(append([]string{}, parent.Commands...), child.Commands...)
	merged.Arguments = append(append([]string{}, parent.Arguments...), child.Arguments...)
	if len(parent.EnvVars) > 0 || len(child.EnvVars) > 0 {
		merged.EnvVars = make(map[string]string, len(parent.EnvVars)+len(child.EnvVars))
		for k, v := range parent.EnvVars {
			merged.EnvVars[k] = v
		}
		for k, v := range child.EnvVars {
			merged.EnvVars[k] = v
		}
	}
	return merged
}

func deepMergeErrors(parent, child *ErrorsBlock) *ErrorsBlock {
	if parent == nil {
		return child
	}
	if child == nil {
		return parent
	}
	merged := &ErrorsBlock{}

	childRetries := make(map[string]bool, len(child.Retry))
	for _, r := range child.Retry {
		childRetries[r.Label] = true
	}
	for _, r := range parent.Retry {
		if !childRetries[r.Label] {
			merged.Retry = append(merged.Retry, r)
		}
	}
	merged.Retry = append(merged.Retry, child.Retry...)

	childIgnores := make(map[string]bool, len(child.Ignore))
	for _, ig := range child.Ignore {
		childIgnores[ig.Label] = true
	}
	for _, ig := range parent.Ignore {
		if !childIgnores[ig.Label] {
			merged.Ignore = append(merged.Ignore, ig)
		}
	}
	merged.Ignore = append(merged.Ignore, child.Ignore...)

	return merged
}

func deepMergeExclude(parent, child *ExcludeBlock) *ExcludeBlock {
	if parent == nil {
		return child
	}
	if child == nil {
		return parent
	}
	merged := &ExcludeBlock{
		If:                  child.If,
		ExcludeDependencies: child.ExcludeDependencies,
		NoRun:               child.NoRun,
	}
	seen := make(map[string]bool)
	for _, action := range append(append([]string{}, parent.Actions...), child.Actions...) {
		if seen[action] {
			continue
		}
		seen[action] = true
		merged.Actions = append(merged.Actions, action)
	}
	if merged.ExcludeDependencies == nil {
		merged.ExcludeDependencies = parent.ExcludeDependencies
	}
	if merged.NoRun == nil {
		merged.NoRun = parent.NoRun
	}
	return merged
}

// deepMergeValueMap merges two value maps key by key: objects and maps
// recurse, lists concatenate parent-first, scalars take the child value.
func deepMergeValueMap(parent, child map[string]cty.Value) map[string]cty.Value {
	if parent == nil {
		return child
	}
	if child == nil {
		return parent
	}
	merged := make(map[string]cty.Value, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		if existing, ok := merged[k]; ok {
			merged[k] = deepMergeValue(existing, v)
		} else {
			merged[k] = v
		}
	}
	return merged
}

func deepMergeValue(parent, child cty.Value) cty.Value {
	if parent == cty.NilVal || parent.IsNull() {
		return child
	}
	if child == cty.NilVal || child.IsNull() {
		return child
	}

	parentType := parent.Type()
	childType := child.Type()

	switch {
	case (parentType.IsObjectType() || parentType.IsMapType()) && (childType.IsObjectType() || childType.IsMapType()):
		parentMap := map[string]cty.Value{}
		if parent.LengthInt() > 0 {
			parentMap = parent.AsValueMap()
		}
		childMap := map[string]cty.Value{}
		if child.LengthInt() > 0 {
			childMap = child.AsValueMap()
		}
		return mapToObject(deepMergeValueMap(parentMap, childMap))

	case (parentType.IsListType() || parentType.IsTupleType()) && (childType.IsListType() || childType.IsTupleType()):
		var elems []cty.Value
		for it := parent.ElementIterator(); it.Next(); {
			_, v := it.Element()
			elems = append(elems, v)
		}
		for it := child.ElementIterator(); it.Next(); {
			_, v := it.Element()
			elems = append(elems, v)
		}
		if len(elems) == 0 {
			return cty.EmptyTupleVal
		}
		return cty.TupleVal(elems)

	default:
		return child
	}
}
