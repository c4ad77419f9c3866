package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/mattjoyce/evexec/internal/executor"
	"github.com/mattjoyce/evexec/internal/workspace"
)

// Step names, in the order the flows run them.
const (
	StepCreateWorkspace = "create-workspace"
	StepClone           = "clone"
	StepCopyParent      = "copy-parent"
	StepCopyTasks       = "copy-tasks"
	StepBuild           = "build"
	StepProbeWorkspace  = "probe-workspace"
	StepPull            = "pull"
	StepTest            = "test"
)

// Defaults for the host tooling.
var (
	DefaultBuildCommand = []string{"bazel", "--max_idle_secs=0", "build", "--jvmopt=-XX:TieredStopAtLevel=1", "//src/test/java:tests"}
	DefaultTestCommand  = []string{"bazel", "--max_idle_secs=0", "run", "--nofetch", "--jvmopt=-XX:TieredStopAtLevel=1", "//src/test/java:tests"}
)

const (
	DefaultGitHost    = "github.com"
	DefaultPullRemote = "origin"
	DefaultPullBranch = "main"
)

// Publisher receives run lifecycle events. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Options tune the generated commands and the failure policy.
type Options struct {
	GitHost      string
	PullRemote   string
	PullBranch   string
	BuildCommand []string
	TestCommand  []string

	// FailFast gives every non-probe step the Abort policy.
	FailFast bool

	// StepTimeout bounds each command; zero means unbounded.
	StepTimeout time.Duration

	// NetworkAttempts applies to clone and pull.
	NetworkAttempts int
	NetworkBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.GitHost == "" {
		o.GitHost = DefaultGitHost
	}
	if o.PullRemote == "" {
		o.PullRemote = DefaultPullRemote
	}
	if o.PullBranch == "" {
		o.PullBranch = DefaultPullBranch
	}
	if len(o.BuildCommand) == 0 {
		o.BuildCommand = DefaultBuildCommand
	}
	if len(o.TestCommand) == 0 {
		o.TestCommand = DefaultTestCommand
	}
	if o.NetworkAttempts < 1 {
		o.NetworkAttempts = 1
	}
	if o.NetworkBackoff <= 0 {
		o.NetworkBackoff = 2 * time.Second
	}
	return o
}

// Runner executes the registration and push flows for one participant
// against the shared workspace.
type Runner struct {
	exec   executor.Executor
	layout workspace.Layout
	opts   Options
	events Publisher
	logger *slog.Logger
	newID  func() string
}

// NewRunner creates a Runner. events may be nil.
func NewRunner(exec executor.Executor, layout workspace.Layout, opts Options, events Publisher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		exec:   exec,
		layout: layout,
		opts:   opts.withDefaults(),
		events: events,
		logger: logger.With("component", "pipeline"),
		newID:  uuid.NewString,
	}
}

// Check validates n and that its participant key fits this runner's
// workspace layout. Failures wrap ErrInvalidNotification.
func (r *Runner) Check(n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if err := r.layout.ValidateKey(n.Key()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return nil
}

// Registration prepares a participant workspace: create the directory, clone
// the participant repository, overlay the parent project, copy the task
// sources into it and build it.
func (r *Runner) Registration(ctx context.Context, n Notification) Report {
	rn := r.begin(KindRegistration, n)
	if rn.reject(r.Check(n)) {
		return rn.finish()
	}
	rn.steps(ctx, r.registrationSteps(n))
	return rn.finish()
}

// Push refreshes a participant workspace and runs the tests. A missing
// workspace is detected with a probe and triggers the registration steps
// first; that probe is the only branch in the flow.
func (r *Runner) Push(ctx context.Context, n Notification) Report {
	rn := r.begin(KindPush, n)
	if rn.reject(r.Check(n)) {
		return rn.finish()
	}
	if !rn.probe(ctx, r.probeStep(n)) {
		rn.logger.Info("workspace missing, running registration steps first")
		rn.steps(ctx, r.registrationSteps(n))
	}
	rn.steps(ctx, r.pushSteps(n))
	return rn.finish()
}

func (r *Runner) registrationSteps(n Notification) []Step {
	key := n.Key()
	return []Step{
		r.step(StepCreateWorkspace, executor.Command{
			Name: "mkdir",
			Args: []string{"-p", r.layout.ParticipantDir(key)},
		}),
		r.networkStep(StepClone, executor.Command{
			Name: "git",
			Args: []string{"clone", r.cloneURL(n)},
			Dir:  r.layout.ParticipantDir(key),
			Env:  credentialEnv(n.HostAccount, n.HostCredential),
		}),
		r.step(StepCopyParent, overlayCopy(r.layout.ParentDir, r.layout.ParentCopyDir(key))),
		r.copyTasksStep(n),
		r.step(StepBuild, r.tool(r.opts.BuildCommand, r.layout.ProjectDir(key, n.HostRepo))),
	}
}

func (r *Runner) pushSteps(n Notification) []Step {
	key := n.Key()
	return []Step{
		r.networkStep(StepPull, executor.Command{
			Name: "git",
			Args: []string{"pull", r.opts.PullRemote, r.opts.PullBranch},
			Dir:  r.layout.RepoDir(key, n.ParticipantRepo),
			Env:  credentialEnv(n.HostAccount, n.HostCredential),
		}),
		r.copyTasksStep(n),
		r.step(StepTest, r.tool(r.opts.TestCommand, r.layout.ProjectDir(key, n.HostRepo))),
	}
}

func (r *Runner) probeStep(n Notification) Step {
	return Step{
		Name:    StepProbeWorkspace,
		Command: executor.Command{Name: "test", Args: []string{"-d", r.layout.ParticipantDir(n.Key())}},
		Probe:   true,
	}
}

func (r *Runner) copyTasksStep(n Notification) Step {
	key := n.Key()
	return r.step(StepCopyTasks, overlayCopy(
		r.layout.TasksSource(key, n.ParticipantRepo),
		r.layout.TasksTarget(key, n.HostRepo),
	))
}

func (r *Runner) step(name string, cmd executor.Command) Step {
	cmd.Timeout = r.opts.StepTimeout
	policy := Continue
	if r.opts.FailFast {
		policy = Abort
	}
	return Step{Name: name, Command: cmd, Policy: policy, Attempts: 1}
}

func (r *Runner) networkStep(name string, cmd executor.Command) Step {
	s := r.step(name, cmd)
	s.Attempts = r.opts.NetworkAttempts
	return s
}

func (r *Runner) tool(argv []string, dir string) executor.Command {
	return executor.Command{Name: argv[0], Args: append([]string(nil), argv[1:]...), Dir: dir}
}

// cloneURL carries no userinfo; authentication travels in the child's
// environment (see credentialEnv).
func (r *Runner) cloneURL(n Notification) string {
	return fmt.Sprintf("https://%s/%s/%s", r.opts.GitHost, n.ParticipantAccount, n.ParticipantRepo)
}

// credentialEnv passes the host credential to git as an extra HTTP header
// through GIT_CONFIG_* variables, so it never appears in argv or in the
// clone's stored remote URL.
func credentialEnv(account, credential string) []string {
	basic := base64.StdEncoding.EncodeToString([]byte(account + ":" + credential))
	return []string{
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.extraHeader",
		"GIT_CONFIG_VALUE_0=Authorization: Basic " + basic,
	}
}

// overlayCopy copies the contents of src over dst, creating dst when needed
// and overwriting existing files.
func overlayCopy(src, dst string) executor.Command {
	return executor.Command{
		Name: "cp",
		Args: []string{"-a", src + string(filepath.Separator) + ".", dst + string(filepath.Separator)},
	}
}

// run is the state of one Report being built.
type run struct {
	r      *Runner
	report Report
	start  time.Time
	logger *slog.Logger
}

func (r *Runner) begin(kind Kind, n Notification) *run {
	id := r.newID()
	logger := r.logger.With("run_id", id, "kind", string(kind), "participant", n.Key(), "fingerprint", n.Fingerprint())
	logger.Info("pipeline started")
	r.publish("run.started", map[string]any{
		"run_id":      id,
		"kind":        kind,
		"participant": n.Key(),
	})
	return &run{
		r:      r,
		report: Report{RunID: id, Kind: kind, Key: n.Key()},
		start:  time.Now(),
		logger: logger,
	}
}

// reject aborts the run before any command when err is non-nil.
func (x *run) reject(err error) bool {
	if err == nil {
		return false
	}
	x.report.Aborted = true
	x.logger.Error("notification rejected, no steps run", "error", err)
	return true
}

// probe runs a probe step and reports whether it exited with success.
func (x *run) probe(ctx context.Context, s Step) bool {
	res := x.exec(ctx, s)
	return res.ExitCode == executor.SuccessExitCode
}

func (x *run) steps(ctx context.Context, steps []Step) {
	for _, s := range steps {
		if x.report.Aborted {
			x.report.Steps = append(x.report.Steps, StepResult{Name: s.Name, Skipped: true})
			x.logger.Debug("step skipped", "step", s.Name)
			continue
		}
		res := x.exec(ctx, s)
		if res.Failed() && s.Policy == Abort {
			x.report.Aborted = true
			x.logger.Warn("step failed, aborting remaining steps", "step", s.Name, "exit_code", res.ExitCode)
		}
	}
}

func (x *run) exec(ctx context.Context, s Step) StepResult {
	start := time.Now()
	code := x.attempt(ctx, s)
	res := StepResult{Name: s.Name, ExitCode: code, Duration: time.Since(start), Probe: s.Probe}
	x.report.Steps = append(x.report.Steps, res)

	attrs := []any{"step", s.Name, "exit_code", code, "duration_ms", res.Duration.Milliseconds()}
	switch {
	case s.Probe:
		x.logger.Info("probe finished", attrs...)
	case code != executor.SuccessExitCode:
		x.logger.Warn("step failed", append(attrs, "policy", s.Policy.String(), "command", executor.Describe(s.Command))...)
	default:
		x.logger.Info("step finished", attrs...)
	}
	x.r.publish("step.finished", map[string]any{
		"run_id":      x.report.RunID,
		"participant": x.report.Key,
		"step":        s.Name,
		"exit_code":   code,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

func (x *run) attempt(ctx context.Context, s Step) int {
	if s.Attempts < 2 {
		return x.r.exec.Run(ctx, s.Command)
	}

	code := executor.FailExitCode
	_ = retry.Do(
		func() error {
			code = x.r.exec.Run(ctx, s.Command)
			if code != executor.SuccessExitCode {
				return fmt.Errorf("%s exited with status %d", s.Name, code)
			}
			return nil
		},
		retry.Attempts(uint(s.Attempts)),
		retry.Delay(x.r.opts.NetworkBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			x.logger.Warn("retrying step", "step", s.Name, "attempt", n+2, "error", err)
		}),
	)
	return code
}

func (x *run) finish() Report {
	x.report.Duration = time.Since(x.start)
	ok := x.report.Succeeded()
	x.logger.Info("pipeline finished",
		"succeeded", ok,
		"aborted", x.report.Aborted,
		"steps", x.report.StepNames(),
		"duration_ms", x.report.Duration.Milliseconds(),
	)
	x.r.publish("run.finished", map[string]any{
		"run_id":      x.report.RunID,
		"kind":        x.report.Kind,
		"participant": x.report.Key,
		"succeeded":   ok,
		"aborted":     x.report.Aborted,
		"duration_ms": x.report.Duration.Milliseconds(),
	})
	return x.report
}

func (r *Runner) publish(eventType string, data any) {
	if r.events != nil {
		r.events.Publish(eventType, data)
	}
}
