package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zclconf/go-cty/cty"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool { return &b }

func TestMergeDocuments_DependenciesPathsConcat(t *testing.T) {
	// Path lists concatenate parent-first under both strategies.
	tests := []struct {
		name     string
		strategy MergeStrategy
	}{
		{name: "shallow", strategy: ShallowMerge},
		{name: "deep", strategy: DeepMerge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := &Document{
				Dependencies: &DependenciesBlock{Paths: []string{"../vpc"}},
			}
			child := &Document{
				Dependencies: &DependenciesBlock{Paths: []string{"../rds"}},
			}

			merged := mergeDocuments(parent, child, tt.strategy)
			assert.Equal(t, []string{"../vpc", "../rds"}, merged.Dependencies.Paths)
		})
	}
}

func TestMergeDocuments_DependenciesPathsDeduped(t *testing.T) {
	parent := &Document{
		Dependencies: &DependenciesBlock{Paths: []string{"../vpc", "../shared"}},
	}
	child := &Document{
		Dependencies: &DependenciesBlock{Paths: []string{"../shared", "../rds"}},
	}

	merged := mergeDocuments(parent, child, ShallowMerge)
	assert.Equal(t, []string{"../vpc", "../shared", "../rds"}, merged.Dependencies.Paths)
}

func TestMergeDocuments_ShallowInputs(t *testing.T) {
	tests := []struct {
		name     string
		parent   map[string]cty.Value
		child    map[string]cty.Value
		expected map[string]cty.Value
	}{
		{
			name:     "child replaces parent wholesale",
			parent:   map[string]cty.Value{"region": cty.StringVal("us-east-1"), "zone": cty.StringVal("a")},
			child:    map[string]cty.Value{"region": cty.StringVal("eu-west-1")},
			expected: map[string]cty.Value{"region": cty.StringVal("eu-west-1")},
		},
		{
			name:     "parent survives when child has none",
			parent:   map[string]cty.Value{"region": cty.StringVal("us-east-1")},
			child:    nil,
			expected: map[string]cty.Value{"region": cty.StringVal("us-east-1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := mergeDocuments(&Document{Inputs: tt.parent}, &Document{Inputs: tt.child}, ShallowMerge)
			assert.Equal(t, tt.expected, merged.Inputs)
		})
	}
}

func TestMergeDocuments_DeepInputs(t *testing.T) {
	parent := &Document{Inputs: map[string]cty.Value{
		"region": cty.StringVal("us-east-1"),
		"tags": cty.ObjectVal(map[string]cty.Value{
			"team": cty.StringVal("platform"),
			"env":  cty.StringVal("dev"),
		}),
		"cidr_blocks": cty.TupleVal([]cty.Value{cty.StringVal("10.0.0.0/16")}),
	}}
	child := &Document{Inputs: map[string]cty.Value{
		"region": cty.StringVal("eu-west-1"),
		"tags": cty.ObjectVal(map[string]cty.Value{
			"env": cty.StringVal("prod"),
		}),
		"cidr_blocks": cty.TupleVal([]cty.Value{cty.StringVal("10.1.0.0/16")}),
	}}

	merged := mergeDocuments(parent, child, DeepMerge)

	// Scalars: child wins.
	assert.Equal(t, cty.StringVal("eu-west-1"), merged.Inputs["region"])

	// Maps: recursive key-by-key merge.
	tags := merged.Inputs["tags"].AsValueMap()
	assert.Equal(t, cty.StringVal("platform"), tags["team"])
	assert.Equal(t, cty.StringVal("prod"), tags["env"])

	// Lists: parent elements then child elements.
	var cidrs []string
	for it := merged.Inputs["cidr_blocks"].ElementIterator(); it.Next(); {
		_, v := it.Element()
		cidrs = append(cidrs, v.AsString())
	}
	assert.Equal(t, []string{"10.0.0.0/16", "10.1.0.0/16"}, cidrs)
}

func TestMergeDocuments_RemoteStateAlwaysReplaced(t *testing.T) {
	parent := &Document{RemoteState: &RemoteStateBlock{
		BackendName: "s3",
		Config: cty.ObjectVal(map[string]cty.Value{
			"bucket": cty.StringVal("parent-bucket"),
			"region": cty.StringVal("us-east-1"),
		}),
	}}
	child := &Document{RemoteState: &RemoteStateBlock{
		BackendName: "s3",
		Config: cty.ObjectVal(map[string]cty.Value{
			"bucket": cty.StringVal("child-bucket"),
		}),
	}}

	merged := mergeDocuments(parent, child, DeepMerge)

	// Even under deep merge the child block replaces wholesale: the
	// parent's region key must not leak into the child's config.
	cfg := merged.RemoteState.Config.AsValueMap()
	assert.Equal(t, cty.StringVal("child-bucket"), cfg["bucket"])
	_, hasRegion := cfg["region"]
	assert.False(t, hasRegion)
}

func TestMergeDocuments_GenerateReplacedByLabel(t *testing.T) {
	parent := &Document{Generate: []*GenerateBlock{
		{Name: "provider", Path: "provider.tf", Contents: "parent"},
		{Name: "versions", Path: "versions.tf", Contents: "parent"},
	}}
	child := &Document{Generate: []*GenerateBlock{
		{Name: "provider", Path: "provider.tf", Contents: "child"},
	}}

	merged := mergeDocuments(parent, child, DeepMerge)

	assert.Len(t, merged.Generate, 2)
	byName := map[string]*GenerateBlock{}
	for _, g := range merged.Generate {
		byName[g.Name] = g
	}
	assert.Equal(t, "child", byName["provider"].Contents)
	assert.Equal(t, "parent", byName["versions"].Contents)
}

func TestMergeDocuments_LocalsNeverMerged(t *testing.T) {
	parent := &Document{Locals: map[string]cty.Value{"env": cty.StringVal("parent")}}
	child := &Document{Locals: map[string]cty.Value{"owner": cty.StringVal("child")}}

	merged := mergeDocuments(parent, child, DeepMerge)

	assert.Equal(t, map[string]cty.Value{"owner": cty.StringVal("child")}, merged.Locals)
}

func TestMergeDocuments_DependencyUnion(t *testing.T) {
	parent := &Document{Dependency: []*DependencyBlock{
		{Name: "vpc", ConfigPath: "../vpc"},
		{Name: "dns", ConfigPath: "../dns-parent"},
	}}
	child := &Document{Dependency: []*DependencyBlock{
		{Name: "dns", ConfigPath: "../dns-child"},
		{Name: "rds", ConfigPath: "../rds"},
	}}

	merged := mergeDocuments(parent, child, DeepMerge)

	assert.Len(t, merged.Dependency, 3)
	byName := map[string]string{}
	for _, dep := range merged.Dependency {
		byName[dep.Name] = dep.ConfigPath
	}
	assert.Equal(t, "../vpc", byName["vpc"])
	assert.Equal(t, "../dns-child", byName["dns"])
	assert.Equal(t, "../rds", byName["rds"])
}

func TestMergeDocuments_DeepTerraform(t *testing.T) {
	parent := &Document{Terraform: &TerraformBlock{
		Source: strPtr("git::https://example.com/modules//vpc"),
		ExtraArguments: []*ExtraArgumentsBlock{
			{Name: "common", Commands: []string{"plan"}, Arguments: []string{"-lock-timeout=5m"}},
		},
	}}
	child := &Document{Terraform: &TerraformBlock{
		ExtraArguments: []*ExtraArgumentsBlock{
			{Name: "common", Commands: []string{"apply"}, Arguments: []string{"-compact-warnings"}},
		},
	}}

	merged := mergeDocuments(parent, child, DeepMerge)

	// Source fills from the parent when the child leaves it unset.
	assert.Equal(t, "git::https://example.com/modules//vpc", *merged.Terraform.Source)

	assert.Len(t, merged.Terraform.ExtraArguments, 1)
	extra := merged.Terraform.ExtraArguments[0]
	assert.Equal(t, []string{"plan", "apply"}, extra.Commands)
	assert.Equal(t, []string{"-lock-timeout=5m", "-compact-warnings"}, extra.Arguments)
}

func TestMergeDocuments_ScalarFills(t *testing.T) {
	parent := &Document{
		Skip:            boolPtr(true),
		IamRole:         strPtr("arn:aws:iam::123456789012:role/parent"),
		TerraformBinary: strPtr("tofu"),
	}
	child := &Document{
		IamRole: strPtr("arn:aws:iam::123456789012:role/child"),
	}

	merged := mergeDocuments(parent, child, ShallowMerge)

	assert.True(t, *merged.Skip)
	assert.Equal(t, "arn:aws:iam::123456789012:role/child", *merged.IamRole)
	assert.Equal(t, "tofu", *merged.TerraformBinary)
}

func TestMergeDocuments_ErrorsBlock(t *testing.T) {
	parent := &Document{Errors: &ErrorsBlock{
		Retry: []*RetryBlock{
			{Label: "transient", RetryableErrors: []string{".*timeout.*"}, MaxAttempts: 3},
		},
	}}
	child := &Document{Errors: &ErrorsBlock{
		Retry: []*RetryBlock{
			{Label: "transient", RetryableErrors: []string{".*throttled.*"}, MaxAttempts: 5},
		},
		Ignore: []*IgnoreBlock{
			{Label: "known", IgnorableErrors: []string{".*already exists.*"}},
		},
	}}

	t.Run("shallow replaces wholesale", func(t *testing.T) {
		merged := mergeDocuments(parent, child, ShallowMerge)
		assert.Len(t, merged.Errors.Retry, 1)
		assert.Equal(t, 5, merged.Errors.Retry[0].MaxAttempts)
		assert.Len(t, merged.Errors.Ignore, 1)
	})

	t.Run("deep merges by label", func(t *testing.T) {
		merged := mergeDocuments(parent, child, DeepMerge)
		assert.Len(t, merged.Errors.Retry, 1)
		assert.Equal(t, 5, merged.Errors.Retry[0].MaxAttempts)
		assert.Len(t, merged.Errors.Ignore, 1)
	})
}

func TestDeepMergeValue(t *testing.T) {
	tests := []struct {
		name     string
		parent   cty.Value
		child    cty.Value
		expected cty.Value
	}{
		{
			name:     "scalar child wins",
			parent:   cty.StringVal("a"),
			child:    cty.StringVal("b"),
			expected: cty.StringVal("b"),
		},
		{
			name:     "type mismatch child wins",
			parent:   cty.TupleVal([]cty.Value{cty.StringVal("a")}),
			child:    cty.StringVal("b"),
			expected: cty.StringVal("b"),
		},
		{
			name:     "explicit null child wins",
			parent:   cty.StringVal("a"),
			child:    cty.NullVal(cty.String),
			expected: cty.NullVal(cty.String),
		},
		{
			name:   "lists concatenate",
			parent: cty.TupleVal([]cty.Value{cty.StringVal("a")}),
			child:  cty.TupleVal([]cty.Value{cty.StringVal("b")}),
			expected: cty.TupleVal([]cty.Value{
				cty.StringVal("a"), cty.StringVal("b"),
			}),
		},
		{
			name: "nested maps recurse",
			parent: cty.ObjectVal(map[string]cty.Value{
				"outer": cty.ObjectVal(map[string]cty.Value{
					"keep":     cty.StringVal("parent"),
					"override": cty.StringVal("parent"),
				}),
			}),
			child: cty.ObjectVal(map[string]cty.Value{
				"outer": cty.ObjectVal(map[string]cty.Value{
					"override": cty.StringVal("child"),
				}),
			}),
			expected: cty.ObjectVal(map[string]cty.Value{
				"outer": cty.ObjectVal(map[string]cty.Value{
					"keep":     cty.StringVal("parent"),
					"override": cty.StringVal("child"),
				}),
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, deepMergeValue(tt.parent, tt.child))
		})
	}
}

func TestDeepMergeAssociativeForLists(t *testing.T) {
	a := cty.TupleVal([]cty.Value{cty.StringVal("a")})
	b := cty.TupleVal([]cty.Value{cty.StringVal("b")})
	c := cty.TupleVal([]cty.Value{cty.StringVal("c")})

	left := deepMergeValue(deepMergeValue(a, b), c)
	right := deepMergeValue(a, deepMergeValue(b, c))
	assert.Equal(t, left, right)
}
