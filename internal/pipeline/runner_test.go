package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/evexec/internal/executor"
	"github.com/mattjoyce/evexec/internal/executor/mocks"
	"github.com/mattjoyce/evexec/internal/workspace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testLayout(t *testing.T) workspace.Layout {
	t.Helper()
	l, err := workspace.NewLayout("/app", "", "")
	require.NoError(t, err)
	return l
}

// recordingExecutor records every command and answers with a configurable
// exit code per command name (or per "git <sub>").
type recordingExecutor struct {
	mu    sync.Mutex
	cmds  []executor.Command
	codes map[string]int
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{codes: map[string]int{}}
}

func commandKey(cmd executor.Command) string {
	if cmd.Name == "git" && len(cmd.Args) > 0 {
		return "git " + cmd.Args[0]
	}
	return cmd.Name
}

func (e *recordingExecutor) Run(_ context.Context, cmd executor.Command) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmds = append(e.cmds, cmd)
	return e.codes[commandKey(cmd)]
}

func (e *recordingExecutor) keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.cmds))
	for i, c := range e.cmds {
		out[i] = commandKey(c)
	}
	return out
}

type capturedEvent struct {
	Type string
	Data map[string]any
}

type execFunc func(context.Context, executor.Command) int

func (f execFunc) Run(ctx context.Context, cmd executor.Command) int { return f(ctx, cmd) }

type publisherFunc func(string, any)

func (f publisherFunc) Publish(eventType string, data any) { f(eventType, data) }

func TestRegistrationRunsAllStepsInOrder(t *testing.T) {
	exec := newRecordingExecutor()
	r := NewRunner(exec, testLayout(t), Options{}, nil, quietLogger())

	rep := r.Registration(context.Background(), sampleNotification("alice"))

	assert.Equal(t, KindRegistration, rep.Kind)
	assert.Equal(t, "alice", rep.Key)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, []string{StepCreateWorkspace, StepClone, StepCopyParent, StepCopyTasks, StepBuild}, rep.StepNames())
	assert.True(t, rep.Succeeded())

	cmds := exec.cmds
	require.Len(t, cmds, 5)
	assert.Equal(t, executor.Command{Name: "mkdir", Args: []string{"-p", "/app/alice"}}, cmds[0])

	assert.Equal(t, "git", cmds[1].Name)
	assert.Equal(t, []string{"clone", "https://github.com/alice/solutions"}, cmds[1].Args)
	assert.Equal(t, "/app/alice", cmds[1].Dir)

	assert.Equal(t, []string{"-a", "/app/parent/.", "/app/alice/parent/"}, cmds[2].Args)
	assert.Equal(t, []string{
		"-a",
		"/app/alice/solutions/src/main/java/test/parent/.",
		"/app/alice/parent/challenge/src/main/java/test/parent/",
	}, cmds[3].Args)

	assert.Equal(t, "bazel", cmds[4].Name)
	assert.Equal(t, DefaultBuildCommand[1:], cmds[4].Args)
	assert.Equal(t, "/app/alice/parent/challenge", cmds[4].Dir)
}

func TestReservedKeyRunsNothing(t *testing.T) {
	exec := newRecordingExecutor()
	r := NewRunner(exec, testLayout(t), Options{}, nil, quietLogger())

	for _, key := range []string{"parent", ".evexec.lock"} {
		n := sampleNotification(key)
		require.NoError(t, n.Validate(), "%s is a legal account name", key)
		assert.ErrorIs(t, r.Check(n), ErrInvalidNotification)

		reg := r.Registration(context.Background(), n)
		push := r.Push(context.Background(), n)
		assert.True(t, reg.Aborted)
		assert.True(t, push.Aborted)
		assert.False(t, push.Succeeded())
		assert.Empty(t, push.Steps)
	}
	assert.Empty(t, exec.keys(), "no command may touch the parent tree")
	assert.NoError(t, r.Check(sampleNotification("alice")))
}

func TestCredentialNeverInArgv(t *testing.T) {
	exec := newRecordingExecutor()
	r := NewRunner(exec, testLayout(t), Options{}, nil, quietLogger())

	n := sampleNotification("alice")
	r.Registration(context.Background(), n)
	r.Push(context.Background(), n)

	var withEnv int
	for _, cmd := range exec.cmds {
		assert.NotContains(t, cmd.String(), n.HostCredential)
		assert.NotContains(t, cmd.Dir, n.HostCredential)
		if len(cmd.Env) > 0 {
			withEnv++
			assert.Equal(t, "git", cmd.Name, "only git commands receive credentials")
			assert.Contains(t, cmd.Env, "GIT_CONFIG_KEY_0=http.extraHeader")
		}
	}
	assert.Equal(t, 2, withEnv, "clone and pull carry the credential env")
}

func TestCredentialEnvEncodesBasicAuth(t *testing.T) {
	env := credentialEnv("host-bot", "tok")
	// base64("host-bot:tok")
	assert.Contains(t, env, "GIT_CONFIG_VALUE_0=Authorization: Basic aG9zdC1ib3Q6dG9r")
	assert.Contains(t, env, "GIT_CONFIG_COUNT=1")
	assert.Contains(t, env, "GIT_TERMINAL_PROMPT=0")
}

func TestPushWithoutWorkspaceRunsRegistrationFirst(t *testing.T) {
	exec := newRecordingExecutor()
	exec.codes["test"] = 1 // workspace missing
	r := NewRunner(exec, testLayout(t), Options{}, nil, quietLogger())

	rep := r.Push(context.Background(), sampleNotification("alice"))

	assert.Equal(t, []string{
		StepProbeWorkspace,
		StepCreateWorkspace, StepClone, StepCopyParent, StepCopyTasks, StepBuild,
		StepPull, StepCopyTasks, StepTest,
	}, rep.StepNames())
	assert.True(t, rep.Succeeded(), "a failing probe is not a failure")

	for _, cmd := range exec.cmds {
		for _, arg := range append([]string{cmd.Dir}, cmd.Args...) {
			if strings.HasPrefix(arg, "/app/") && !strings.HasPrefix(arg, "/app/parent/") {
				assert.True(t, strings.HasPrefix(arg, "/app/alice"), "path %q escapes the participant workspace", arg)
			}
		}
	}
}

func TestPushWithWorkspaceSkipsRegistration(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mock := mocks.NewMockExecutor(ctrl)
	ctx := context.Background()
	gomock.InOrder(
		mock.EXPECT().Run(ctx, executor.Command{Name: "test", Args: []string{"-d", "/app/bob"}}).Return(0),
		mock.EXPECT().Run(ctx, gitCommand("pull")).Return(0),
		mock.EXPECT().Run(ctx, named("cp")).Return(0),
		mock.EXPECT().Run(ctx, named("bazel")).Return(0),
	)

	r := NewRunner(mock, testLayout(t), Options{}, nil, quietLogger())
	rep := r.Push(ctx, sampleNotification("bob"))

	assert.Equal(t, []string{StepProbeWorkspace, StepPull, StepCopyTasks, StepTest}, rep.StepNames())
}

func TestFailuresDoNotStopRunByDefault(t *testing.T) {
	exec := newRecordingExecutor()
	exec.codes["git clone"] = 128
	exec.codes["bazel"] = 3
	r := NewRunner(exec, testLayout(t), Options{}, nil, quietLogger())

	rep := r.Registration(context.Background(), sampleNotification("alice"))

	assert.Len(t, exec.cmds, 5, "every step runs regardless of earlier failures")
	assert.False(t, rep.Aborted)
	assert.False(t, rep.Succeeded())
	assert.Equal(t, 128, rep.Steps[1].ExitCode)
	assert.Equal(t, 3, rep.Steps[4].ExitCode)
}

func TestFailFastAbortsRemainingSteps(t *testing.T) {
	exec := newRecordingExecutor()
	exec.codes["test"] = 1
	exec.codes["git clone"] = 128
	r := NewRunner(exec, testLayout(t), Options{FailFast: true}, nil, quietLogger())

	rep := r.Push(context.Background(), sampleNotification("alice"))

	assert.True(t, rep.Aborted)
	assert.Equal(t, []string{"test", "mkdir", "git clone"}, exec.keys(), "probe failure branches, clone failure aborts")
	assert.Equal(t, []string{StepProbeWorkspace, StepCreateWorkspace, StepClone}, rep.StepNames())

	var skipped []string
	for _, s := range rep.Steps {
		if s.Skipped {
			skipped = append(skipped, s.Name)
		}
	}
	assert.Equal(t, []string{StepCopyParent, StepCopyTasks, StepBuild, StepPull, StepCopyTasks, StepTest}, skipped)
}

func TestNetworkStepsRetry(t *testing.T) {
	var calls int
	exec := execFunc(func(_ context.Context, cmd executor.Command) int {
		if commandKey(cmd) == "git pull" {
			calls++
			if calls < 3 {
				return 1
			}
		}
		return 0
	})
	r := NewRunner(exec, testLayout(t), Options{NetworkAttempts: 3, NetworkBackoff: 1}, nil, quietLogger())

	rep := r.Push(context.Background(), sampleNotification("alice"))

	assert.Equal(t, 3, calls)
	assert.True(t, rep.Succeeded())
}

func TestNetworkStepsGiveUpAfterAttempts(t *testing.T) {
	var calls int
	exec := execFunc(func(_ context.Context, cmd executor.Command) int {
		if commandKey(cmd) == "git pull" {
			calls++
			return 1
		}
		return 0
	})
	r := NewRunner(exec, testLayout(t), Options{NetworkAttempts: 2, NetworkBackoff: 1}, nil, quietLogger())

	rep := r.Push(context.Background(), sampleNotification("alice"))

	assert.Equal(t, 2, calls)
	assert.False(t, rep.Succeeded())
}

func TestCustomToolingAndTimeout(t *testing.T) {
	exec := newRecordingExecutor()
	opts := Options{
		GitHost:      "git.example.org",
		PullBranch:   "trunk",
		BuildCommand: []string{"make", "build"},
		TestCommand:  []string{"make", "test"},
		StepTimeout:  42,
	}
	r := NewRunner(exec, testLayout(t), opts, nil, quietLogger())

	r.Registration(context.Background(), sampleNotification("alice"))
	r.Push(context.Background(), sampleNotification("alice"))

	assert.Equal(t, []string{"clone", "https://git.example.org/alice/solutions"}, exec.cmds[1].Args)
	assert.Equal(t, executor.Command{Name: "make", Args: []string{"build"}, Dir: "/app/alice/parent/challenge", Timeout: 42}, exec.cmds[4])
	last := exec.cmds[len(exec.cmds)-1]
	assert.Equal(t, "make", last.Name)
	assert.Equal(t, []string{"test"}, last.Args)
	for _, cmd := range exec.cmds {
		if commandKey(cmd) == "git pull" {
			assert.Equal(t, []string{"pull", "origin", "trunk"}, cmd.Args)
		}
		if cmd.Name != "test" {
			assert.EqualValues(t, 42, cmd.Timeout)
		}
	}
}

func TestRunnerPublishesLifecycleEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []capturedEvent
	)
	pub := publisherFunc(func(eventType string, data any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, capturedEvent{Type: eventType, Data: data.(map[string]any)})
	})

	r := NewRunner(newRecordingExecutor(), testLayout(t), Options{}, pub, quietLogger())
	r.newID = func() string { return "run-1" }
	r.Registration(context.Background(), sampleNotification("alice"))

	require.Len(t, events, 7)
	assert.Equal(t, "run.started", events[0].Type)
	assert.Equal(t, "run-1", events[0].Data["run_id"])
	for _, ev := range events[1:6] {
		assert.Equal(t, "step.finished", ev.Type)
	}
	assert.Equal(t, "run.finished", events[6].Type)
	assert.Equal(t, true, events[6].Data["succeeded"])
	for _, ev := range events {
		assert.NotContains(t, fmt.Sprint(ev.Data), "ghp_secret")
	}
}

type commandMatcher struct {
	desc  string
	match func(executor.Command) bool
}

func (m commandMatcher) Matches(x interface{}) bool {
	cmd, ok := x.(executor.Command)
	return ok && m.match(cmd)
}

func (m commandMatcher) String() string { return m.desc }

func named(name string) gomock.Matcher {
	return commandMatcher{desc: "command " + name, match: func(c executor.Command) bool { return c.Name == name }}
}

func gitCommand(sub string) gomock.Matcher {
	return commandMatcher{desc: "git " + sub, match: func(c executor.Command) bool {
		return c.Name == "git" && len(c.Args) > 0 && c.Args[0] == sub
	}}
}
