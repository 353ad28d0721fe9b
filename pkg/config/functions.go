package config

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	git "github.com/go-git/go-git/v5"
	"github.com/hashicorp/hcl/v2/ext/tryfunc"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"go.uber.org/zap"
)

// Options understood as a leading argument to run_cmd.
const (
	runCmdQuietOpt       = "--terragrid-quiet"
	runCmdGlobalCacheOpt = "--terragrid-global-cache"
)

// DefaultRetryableErrors are the failure patterns retried when a unit does
// not declare its own retry rules.
var DefaultRetryableErrors = []string{
	"(?s).*Failed to load state.*tcp.*timeout.*",
	"(?s).*Failed to load backend.*TLS handshake timeout.*",
	"(?s).*Error installing provider.*TLS handshake timeout.*",
	"(?s).*Error configuring the backend.*TLS handshake timeout.*",
	"(?s).*Error installing provider.*tcp.*timeout.*",
	"(?s).*Error installing provider.*tcp.*connection reset by peer.*",
	"NoSuchBucket: The specified bucket does not exist",
	"(?s).*429 Too Many Requests.*",
	"(?s).*Client\\.Timeout exceeded while awaiting headers.*",
	"(?s).*Could not download module.*The requested URL returned error: 429.*",
	"(?s).*ssh_exchange_identification.*Connection closed by remote host.*",
}

// standardFunctions returns the context-free HCL functions available in
// every configuration file.
func standardFunctions() map[string]function.Function {
	return map[string]function.Function{
		// String functions
		"upper":      stdlib.UpperFunc,
		"lower":      stdlib.LowerFunc,
		"trim":       stdlib.TrimFunc,
		"trimprefix": stdlib.TrimPrefixFunc,
		"trimsuffix": stdlib.TrimSuffixFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"replace":    stdlib.ReplaceFunc,
		"split":      stdlib.SplitFunc,
		"join":       stdlib.JoinFunc,
		"substr":     stdlib.SubstrFunc,
		"strlen":     stdlib.StrlenFunc,
		"chomp":      stdlib.ChompFunc,
		"indent":     stdlib.IndentFunc,
		"format":     stdlib.FormatFunc,
		"formatlist": stdlib.FormatListFunc,
		"regex":      stdlib.RegexFunc,
		"regexall":   stdlib.RegexAllFunc,

		// Collection functions
		"length":   stdlib.LengthFunc,
		"element":  stdlib.ElementFunc,
		"coalesce": stdlib.CoalesceFunc,
		"compact":  stdlib.CompactFunc,
		"concat":   stdlib.ConcatFunc,
		"contains": stdlib.ContainsFunc,
		"distinct": stdlib.DistinctFunc,
		"flatten":  stdlib.FlattenFunc,
		"keys":     stdlib.KeysFunc,
		"values":   stdlib.ValuesFunc,
		"lookup":   stdlib.LookupFunc,
		"merge":    stdlib.MergeFunc,
		"range":    stdlib.RangeFunc,
		"reverse":  stdlib.ReverseFunc,
		"slice":    stdlib.SliceFunc,
		"sort":     stdlib.SortFunc,
		"zipmap":   stdlib.ZipmapFunc,

		// Numeric functions
		"abs":      stdlib.AbsoluteFunc,
		"ceil":     stdlib.CeilFunc,
		"floor":    stdlib.FloorFunc,
		"max":      stdlib.MaxFunc,
		"min":      stdlib.MinFunc,
		"parseint": stdlib.ParseIntFunc,

		// Type conversion
		"tobool":   stdlib.MakeToFunc(cty.Bool),
		"tolist":   stdlib.MakeToFunc(cty.List(cty.DynamicPseudoType)),
		"tomap":    stdlib.MakeToFunc(cty.Map(cty.DynamicPseudoType)),
		"tonumber": stdlib.MakeToFunc(cty.Number),
		"toset":    stdlib.MakeToFunc(cty.Set(cty.DynamicPseudoType)),
		"tostring": stdlib.MakeToFunc(cty.String),

		// Encoding
		"jsonencode": stdlib.JSONEncodeFunc,
		"jsondecode": stdlib.JSONDecodeFunc,
		"csvdecode":  stdlib.CSVDecodeFunc,

		// Error tolerance
		"try": tryfunc.TryFunc,
		"can": tryfunc.CanFunc,
	}
}

// functions builds the full function table for expressions evaluated in
// dir. Context-sensitive built-ins close over the parse context.
func (p *Parser) functions(pc *parseContext, dir string) map[string]function.Function {
	funcs := standardFunctions()

	funcs["find_in_parent_folders"] = findInParentFoldersFunc(dir)
	funcs["get_env"] = getEnvFunc
	funcs["get_platform"] = getPlatformFunc
	funcs["get_terragrid_dir"] = staticStringFunc(dir)
	funcs["get_original_terragrid_dir"] = staticStringFunc(pc.originalDir)
	funcs["get_working_dir"] = staticStringFunc(p.workingDir(pc, dir))
	funcs["get_parent_terragrid_dir"] = getParentDirFunc(pc)
	funcs["path_relative_to_include"] = pathRelativeToIncludeFunc(pc, dir)
	funcs["path_relative_from_include"] = pathRelativeFromIncludeFunc(pc, dir)
	funcs["get_repo_root"] = repoRootFunc(pc, dir, repoRootAbs)
	funcs["get_path_to_repo_root"] = repoRootFunc(pc, dir, repoRootRelTo)
	funcs["get_path_from_repo_root"] = repoRootFunc(pc, dir, repoRootRelFrom)
	funcs["run_cmd"] = runCmdFunc(pc, dir)
	funcs["sops_decrypt_file"] = sopsDecryptFileFunc(pc, dir)
	funcs["read_unit_config"] = readUnitConfigFunc(p, pc, dir)
	funcs["get_aws_secret"] = getAwsSecretFunc(pc)
	funcs["get_default_retryable_errors"] = getDefaultRetryableErrorsFunc

	return funcs
}

func (p *Parser) workingDir(pc *parseContext, dir string) string {
	if p.opts.WorkingDir != "" {
		return p.opts.WorkingDir
	}
	return dir
}

// staticStringFunc returns a no-argument function producing a fixed string.
func staticStringFunc(value string) function.Function {
	return function.New(&function.Spec{
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			return cty.StringVal(value), nil
		},
	})
}

// findInParentFoldersFunc walks up from dir looking for a file. The first
// optional argument overrides the file name; the second is a fallback value
// returned when nothing is found. Without a fallback a missing file is an
// error.
func findInParentFoldersFunc(dir string) function.Function {
	return function.New(&function.Spec{
		VarParam: &function.Parameter{Name: "args", Type: cty.String},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			name := UnitFileName
			hasFallback := false
			fallback := ""
			switch len(args) {
			case 0:
			case 1:
				name = args[0].AsString()
			case 2:
				name = args[0].AsString()
				fallback = args[1].AsString()
				hasFallback = true
			default:
				return cty.NilVal, fmt.Errorf("find_in_parent_folders takes at most 2 arguments")
			}

			cur := filepath.Dir(dir)
			for {
				candidate := filepath.Join(cur, name)
				if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
					return cty.StringVal(candidate), nil
				}
				parent := filepath.Dir(cur)
				if parent == cur {
					break
				}
				cur = parent
			}

			if hasFallback {
				return cty.StringVal(fallback), nil
			}
			return cty.NilVal, fmt.Errorf("%s not found in any parent folder of %s", name, dir)
		},
	})
}

// getEnvFunc reads an environment variable, with an optional default for
// unset variables.
var getEnvFunc = function.New(&function.Spec{
	VarParam: &function.Parameter{Name: "args", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		switch len(args) {
		case 1:
			value, ok := os.LookupEnv(args[0].AsString())
			if !ok {
				return cty.NilVal, fmt.Errorf("environment variable %s is not set", args[0].AsString())
			}
			return cty.StringVal(value), nil
		case 2:
			value, ok := os.LookupEnv(args[0].AsString())
			if !ok {
				return args[1], nil
			}
			return cty.StringVal(value), nil
		default:
			return cty.NilVal, fmt.Errorf("get_env takes 1 or 2 arguments")
		}
	},
})

var getPlatformFunc = function.New(&function.Spec{
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.StringVal(runtime.GOOS), nil
	},
})

var getDefaultRetryableErrorsFunc = function.New(&function.Spec{
	Type: function.StaticReturnType(cty.List(cty.String)),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		vals := make([]cty.Value, 0, len(DefaultRetryableErrors))
		for _, pattern := range DefaultRetryableErrors {
			vals = append(vals, cty.StringVal(pattern))
		}
		return cty.ListVal(vals), nil
	},
})

// selectInclude picks the include named by the optional label argument, or
// the first declared include when no label is given.
func selectInclude(pc *parseContext, args []cty.Value) (*IncludeDeclaration, error) {
	if len(pc.includes) == 0 {
		return nil, fmt.Errorf("no include block declared in this configuration")
	}
	if len(args) == 0 {
		return pc.includes[0], nil
	}
	label := args[0].AsString()
	for _, inc := range pc.includes {
		if inc.Label == label {
			return inc, nil
		}
	}
	return nil, fmt.Errorf("no include block labeled %q", label)
}

func getParentDirFunc(pc *parseContext) function.Function {
	return function.New(&function.Spec{
		VarParam: &function.Parameter{Name: "label", Type: cty.String},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			inc, err := selectInclude(pc, args)
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(filepath.Dir(inc.Path)), nil
		},
	})
}

func pathRelativeToIncludeFunc(pc *parseContext, dir string) function.Function {
	return function.New(&function.Spec{
		VarParam: &function.Parameter{Name: "label", Type: cty.String},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			inc, err := selectInclude(pc, args)
			if err != nil {
				return cty.NilVal, err
			}
			rel, err := filepath.Rel(filepath.Dir(inc.Path), dir)
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(filepath.ToSlash(rel)), nil
		},
	})
}

func pathRelativeFromIncludeFunc(pc *parseContext, dir string) function.Function {
	return function.New(&function.Spec{
		VarParam: &function.Parameter{Name: "label", Type: cty.String},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			inc, err := selectInclude(pc, args)
			if err != nil {
				return cty.NilVal, err
			}
			rel, err := filepath.Rel(dir, filepath.Dir(inc.Path))
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(filepath.ToSlash(rel)), nil
		},
	})
}

type repoRootMode int

const (
	repoRootAbs repoRootMode = iota
	repoRootRelTo
	repoRootRelFrom
)

// repoRootFunc locates the enclosing git repository root. The lookup is
// memoized per directory in the run cache.
func repoRootFunc(pc *parseContext, dir string, mode repoRootMode) function.Function {
	return function.New(&function.Spec{
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			root, err := pc.runCache.Do(Key(dir, "get_repo_root"), func() (cty.Value, error) {
				repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
				if err != nil {
					return cty.NilVal, fmt.Errorf("failed to locate git repository from %s: %w", dir, err)
				}
				wt, err := repo.Worktree()
				if err != nil {
					return cty.NilVal, fmt.Errorf("repository at %s has no worktree: %w", dir, err)
				}
				return cty.StringVal(wt.Filesystem.Root()), nil
			})
			if err != nil {
				return cty.NilVal, err
			}

			switch mode {
			case repoRootRelTo:
				rel, err := filepath.Rel(dir, root.AsString())
				if err != nil {
					return cty.NilVal, err
				}
				return cty.StringVal(filepath.ToSlash(rel)), nil
			case repoRootRelFrom:
				rel, err := filepath.Rel(root.AsString(), dir)
				if err != nil {
					return cty.NilVal, err
				}
				return cty.StringVal(filepath.ToSlash(rel)), nil
			default:
				return root, nil
			}
		},
	})
}

// runCmdFunc executes an external command from the configuration directory.
// Results are memoized in the run cache keyed by directory and the full
// literal argument list, so a given invocation runs at most once per run.
// A leading "--terragrid-quiet" suppresses output echo; a leading
// "--terragrid-global-cache" shares the cache entry across directories.
func runCmdFunc(pc *parseContext, dir string) function.Function {
	return function.New(&function.Spec{
		VarParam: &function.Parameter{Name: "args", Type: cty.String},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			if len(args) == 0 {
				return cty.NilVal, fmt.Errorf("run_cmd requires at least a command name")
			}

			literal := make([]string, 0, len(args))
			for _, a := range args {
				literal = append(literal, a.AsString())
			}

			quiet := false
			scope := dir
			rest := literal
			for len(rest) > 0 {
				switch rest[0] {
				case runCmdQuietOpt:
					quiet = true
					rest = rest[1:]
					continue
				case runCmdGlobalCacheOpt:
					scope = GlobalCacheScope
					rest = rest[1:]
					continue
				}
				break
			}
			if len(rest) == 0 {
				return cty.NilVal, fmt.Errorf("run_cmd requires a command after its options")
			}

			return pc.runCache.Do(Key(scope, "run_cmd", literal...), func() (cty.Value, error) {
				cmd := exec.Command(rest[0], rest[1:]...)
				cmd.Dir = dir
				cmd.Env = os.Environ()
				out, err := cmd.Output()
				if err != nil {
					if exitErr, ok := err.(*exec.ExitError); ok {
						return cty.NilVal, fmt.Errorf("run_cmd %q failed: %s", rest[0], strings.TrimSpace(string(exitErr.Stderr)))
					}
					return cty.NilVal, fmt.Errorf("run_cmd %q failed: %w", rest[0], err)
				}
				result := strings.TrimSpace(string(out))
				if !quiet {
					pc.logger.Info("run_cmd output",
						zap.String("dir", dir),
						zap.String("command", rest[0]),
						zap.String("output", result))
				}
				return cty.StringVal(result), nil
			})
		},
	})
}

// sopsDecryptFileFunc decrypts a sops-encrypted file by shelling out to the
// sops binary. Decryption results are memoized per file path.
func sopsDecryptFileFunc(pc *parseContext, dir string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "path", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			path := args[0].AsString()
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			return pc.runCache.Do(Key(GlobalCacheScope, "sops_decrypt_file", path), func() (cty.Value, error) {
				cmd := exec.Command("sops", "--decrypt", path)
				out, err := cmd.Output()
				if err != nil {
					if exitErr, ok := err.(*exec.ExitError); ok {
						return cty.NilVal, fmt.Errorf("sops failed to decrypt %s: %s", path, strings.TrimSpace(string(exitErr.Stderr)))
					}
					return cty.NilVal, fmt.Errorf("sops failed to decrypt %s: %w", path, err)
				}
				return cty.StringVal(string(out)), nil
			})
		},
	})
}

// readUnitConfigFunc parses another configuration file and returns it as an
// object. Reads recurse through the parser with a depth guard and a cycle
// check over the chain of files being read. An optional second argument is
// returned when the file does not exist.
func readUnitConfigFunc(p *Parser, pc *parseContext, dir string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "path", Type: cty.String},
		},
		VarParam: &function.Parameter{Name: "fallback", Type: cty.DynamicPseudoType},
		Type:     function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			path := args[0].AsString()
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, UnitFileName)
			}

			if _, err := os.Stat(path); os.IsNotExist(err) {
				if len(args) > 1 {
					return args[1], nil
				}
				return cty.NilVal, fmt.Errorf("configuration file %s does not exist", path)
			}

			doc, err := p.readConfig(pc, path)
			if err != nil {
				return cty.NilVal, err
			}
			return documentToCty(doc)
		},
	})
}

// getAwsSecretFunc reads a secret value from AWS Secrets Manager, memoized
// for the lifetime of the run.
func getAwsSecretFunc(pc *parseContext) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "name", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			name := args[0].AsString()
			return pc.runCache.Do(Key(GlobalCacheScope, "get_aws_secret", name), func() (cty.Value, error) {
				ctx := context.Background()
				cfg, err := awsconfig.LoadDefaultConfig(ctx)
				if err != nil {
					return cty.NilVal, fmt.Errorf("failed to load AWS config: %w", err)
				}
				client := secretsmanager.NewFromConfig(cfg)
				out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
					SecretId: &name,
				})
				if err != nil {
					return cty.NilVal, fmt.Errorf("failed to read secret %q: %w", name, err)
				}
				if out.SecretString == nil {
					return cty.NilVal, fmt.Errorf("secret %q has no string value", name)
				}
				return cty.StringVal(*out.SecretString), nil
			})
		},
	})
}

// documentToCty converts a parsed document into the object shape returned
// by read_unit_config.
func documentToCty(doc *Document) (cty.Value, error) {
	fields := map[string]cty.Value{
		"path":   cty.StringVal(doc.Path),
		"locals": mapToObject(doc.Locals),
		"inputs": mapToObject(doc.Inputs),
	}

	if doc.Terraform != nil {
		tf := map[string]cty.Value{}
		if doc.Terraform.Source != nil {
			tf["source"] = cty.StringVal(*doc.Terraform.Source)
		}
		fields["terraform"] = mapToObject(tf)
	}

	if doc.RemoteState != nil {
		rs := map[string]cty.Value{
			"backend": cty.StringVal(doc.RemoteState.BackendName),
		}
		if doc.RemoteState.Config != cty.NilVal {
			rs["config"] = doc.RemoteState.Config
		}
		fields["remote_state"] = mapToObject(rs)
	}

	if doc.Dependencies != nil {
		fields["dependencies"] = cty.ObjectVal(map[string]cty.Value{
			"paths": stringsToCty(doc.Dependencies.Paths),
		})
	}

	deps := map[string]cty.Value{}
	for _, dep := range doc.Dependency {
		entry := map[string]cty.Value{
			"config_path": cty.StringVal(dep.ConfigPath),
		}
		if dep.MockOutputs != cty.NilVal {
			entry["mock_outputs"] = dep.MockOutputs
		}
		deps[dep.Name] = cty.ObjectVal(entry)
	}
	if len(deps) > 0 {
		fields["dependency"] = cty.ObjectVal(deps)
	}

	if doc.Skip != nil {
		fields["skip"] = cty.BoolVal(*doc.Skip)
	}
	if doc.IamRole != nil {
		fields["iam_role"] = cty.StringVal(*doc.IamRole)
	}

	return cty.ObjectVal(fields), nil
}
