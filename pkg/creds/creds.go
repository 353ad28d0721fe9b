// Package creds obtains per-unit credentials by running a configured
// helper command and mapping its JSON output onto the environment the
// wrapped tool and backend clients receive.
package creds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	tgerrors "github.com/terragrid-io/terragrid/pkg/errors"
	"github.com/terragrid-io/terragrid/pkg/log"
)

// helperOutput is the JSON contract of the credentials helper.
type helperOutput struct {
	AWSCredentials *awsCredentials   `json:"awsCredentials"`
	AWSRole        *awsRole          `json:"awsRole"`
	Envs           map[string]string `json:"envs"`
}

type awsCredentials struct {
	AccessKeyID     string `json:"ACCESS_KEY_ID"`
	SecretAccessKey string `json:"SECRET_ACCESS_KEY"`
	SessionToken    string `json:"SESSION_TOKEN"`
}

type awsRole struct {
	RoleARN     string `json:"roleARN"`
	SessionName string `json:"sessionName"`
	Duration    int    `json:"duration"`
}

// Provider runs the credentials helper once per unit directory and
// memoizes the resulting environment. Safe for concurrent use.
type Provider struct {
	// Command is the helper invocation, run through the platform shell
	// with the unit directory as its working directory. Empty disables
	// the provider.
	Command string

	logger *zap.Logger
	group  singleflight.Group
	mu     sync.RWMutex
	byDir  map[string]map[string]string
}

// NewProvider returns a provider for the given helper command.
func NewProvider(command string, logger *zap.Logger) *Provider {
	return &Provider{
		Command: command,
		logger:  log.OrNop(logger),
		byDir:   map[string]map[string]string{},
	}
}

// Env returns the environment the helper yields for unitDir. The
// helper runs at most once per directory; concurrent callers share the
// same run. A provider without a command returns nil.
func (p *Provider) Env(ctx context.Context, unitDir string) (map[string]string, error) {
	if p == nil || p.Command == "" {
		return nil, nil
	}

	p.mu.RLock()
	env, ok := p.byDir[unitDir]
	p.mu.RUnlock()
	if ok {
		return env, nil
	}

	v, err, _ := p.group.Do(unitDir, func() (interface{}, error) {
		p.mu.RLock()
		env, ok := p.byDir[unitDir]
		p.mu.RUnlock()
		if ok {
			return env, nil
		}

		env, err := p.run(ctx, unitDir)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.byDir[unitDir] = env
		p.mu.Unlock()
		return env, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (p *Provider) run(ctx context.Context, unitDir string) (map[string]string, error) {
	p.logger.Debug("running credentials helper",
		zap.String("dir", unitDir),
		zap.String("command", p.Command))

	cmd := shellCommand(ctx, p.Command)
	cmd.Dir = unitDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
		return nil, tgerrors.CredentialError(p.Command, err)
	}

	var out helperOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, tgerrors.CredentialError(p.Command,
			fmt.Errorf("decoding helper output: %w", err))
	}
	env, err := buildEnv(out)
	if err != nil {
		return nil, tgerrors.CredentialError(p.Command, err)
	}
	return env, nil
}

// buildEnv maps the helper output onto environment variables. Static
// credentials beat an assumable role, and envs never override either.
func buildEnv(out helperOutput) (map[string]string, error) {
	env := map[string]string{}
	switch {
	case out.AWSCredentials != nil:
		c := out.AWSCredentials
		if c.AccessKeyID == "" || c.SecretAccessKey == "" {
			return nil, fmt.Errorf("awsCredentials requires ACCESS_KEY_ID and SECRET_ACCESS_KEY")
		}
		env["AWS_ACCESS_KEY_ID"] = c.AccessKeyID
		env["AWS_SECRET_ACCESS_KEY"] = c.SecretAccessKey
		if c.SessionToken != "" {
			env["AWS_SESSION_TOKEN"] = c.SessionToken
		}
	case out.AWSRole != nil && out.AWSRole.RoleARN != "":
		r := out.AWSRole
		env["AWS_ROLE_ARN"] = r.RoleARN
		if r.SessionName != "" {
			env["AWS_ROLE_SESSION_NAME"] = r.SessionName
		}
		if r.Duration > 0 {
			env["AWS_ROLE_DURATION_SECONDS"] = strconv.Itoa(r.Duration)
		}
	}
	for k, v := range out.Envs {
		if _, taken := env[k]; !taken {
			env[k] = v
		}
	}
	return env, nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}
