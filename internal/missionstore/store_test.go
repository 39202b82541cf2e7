package missionstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/missioncontroller/internal/config"
	"github.com/tiiuae/missioncontroller/internal/types"
)

func TestFileStoreCachesUntilChanged(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, "mission.yaml", surveyYAML)

	store, err := NewFileStore(path, testLimits)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	plan, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, plan.Actions, 5)

	// callers get copies
	plan.Actions[0].Alt = 99
	again, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, again.Actions[0].Alt)

	writePlan(t, dir, "mission.yaml", "id: short\nactions:\n  - {kind: land}\n")
	require.Eventually(t, func() bool {
		p, err := store.Load(ctx)
		return err == nil && p.ID == "short"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFileStoreDoesNotCacheInvalidPlans(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, "mission.yaml", "actions: []\n")

	store, err := NewFileStore(path, testLimits)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Load(ctx)
	assert.True(t, types.IsMalformedPlan(err))

	writePlan(t, dir, "mission.yaml", surveyYAML)
	store.Invalidate()
	plan, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "survey-1", plan.ID)
}

func TestFileStoreIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, "mission.yaml", surveyYAML)

	store, err := NewFileStore(path, testLimits)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Load(ctx)
	require.NoError(t, err)

	writePlan(t, dir, "notes.txt", "unrelated")
	time.Sleep(100 * time.Millisecond)
	store.mu.Lock()
	cached := store.cached != nil
	store.mu.Unlock()
	assert.True(t, cached)
}

type fakeGit struct {
	mu    sync.Mutex
	calls [][]string
	envs  [][]string
	plan  string
	fail  bool

	delay      time.Duration
	running    int
	maxRunning int
	deadlines  []bool
}

func (f *fakeGit) run(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	_, hasDeadline := ctx.Deadline()
	f.deadlines = append(f.deadlines, hasDeadline)
	delay := f.delay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.running--
	f.calls = append(f.calls, args)
	f.envs = append(f.envs, env)
	if f.fail {
		return []byte("fatal: unable to access"), assert.AnError
	}
	if args[0] == "clone" {
		checkout := args[2]
		if err := os.MkdirAll(filepath.Join(checkout, ".git"), 0o755); err != nil {
			return nil, err
		}
		return nil, os.WriteFile(filepath.Join(checkout, "mission.yaml"), []byte(f.plan), 0o644)
	}
	return nil, nil
}

func newTestGitStore(t *testing.T, repo config.PlanRepo, git *fakeGit) *GitStore {
	t.Helper()
	store, err := NewGitStore(repo, "mission.yaml", testLimits)
	require.NoError(t, err)
	store.git = git.run
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGitStoreClonesThenPulls(t *testing.T) {
	repo := config.PlanRepo{
		URL:          "git@git.example.com:fleet/plans.git",
		Dir:          filepath.Join(t.TempDir(), "plans"),
		HostKey:      "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl",
		IdentityFile: "/enclave/id_ed25519",
	}
	git := &fakeGit{plan: surveyYAML}
	store := newTestGitStore(t, repo, git)

	ctx := context.Background()
	plan, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "survey-1", plan.ID)

	_, err = store.Load(ctx)
	require.NoError(t, err)

	require.Len(t, git.calls, 2)
	assert.Equal(t, []string{"clone", repo.URL, repo.Dir}, git.calls[0])
	assert.Equal(t, []string{"pull", "--rebase"}, git.calls[1])

	require.Len(t, git.envs[0], 1)
	assert.Contains(t, git.envs[0][0], "-i /enclave/id_ed25519")
	assert.Contains(t, git.envs[0][0], "UserKnownHostsFile="+repo.Dir+".known_hosts")

	knownHosts, err := os.ReadFile(repo.Dir + ".known_hosts")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(knownHosts), "git.example.com ssh-ed25519 "))
}

func TestGitStoreFallsBackToCheckout(t *testing.T) {
	repo := config.PlanRepo{
		URL: "ssh://git@git.example.com:2222/fleet/plans.git",
		Dir: filepath.Join(t.TempDir(), "plans"),
	}
	git := &fakeGit{plan: surveyYAML}
	store := newTestGitStore(t, repo, git)

	ctx := context.Background()
	_, err := store.Load(ctx)
	require.NoError(t, err)

	git.mu.Lock()
	git.fail = true
	git.mu.Unlock()
	plan, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "survey-1", plan.ID)
	assert.Nil(t, git.envs[0])
}

func TestGitStoreCloneFailure(t *testing.T) {
	repo := config.PlanRepo{URL: "git@git.example.com:plans.git", Dir: filepath.Join(t.TempDir(), "plans")}
	store := newTestGitStore(t, repo, &fakeGit{fail: true})

	_, err := store.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not clone")
}

func TestGitStoreSerializesSyncs(t *testing.T) {
	repo := config.PlanRepo{URL: "git@git.example.com:plans.git", Dir: filepath.Join(t.TempDir(), "plans")}
	git := &fakeGit{plan: surveyYAML}
	store := newTestGitStore(t, repo, git)

	ctx := context.Background()
	require.NoError(t, store.Sync(ctx))

	git.mu.Lock()
	git.delay = 20 * time.Millisecond
	git.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Load(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, store.Sync(ctx))
	}()
	wg.Wait()

	git.mu.Lock()
	defer git.mu.Unlock()
	assert.Equal(t, 1, git.maxRunning, "git commands must not overlap in one checkout")
	assert.Len(t, git.calls, 5)
	for _, d := range git.deadlines {
		assert.True(t, d, "every git command runs with a deadline")
	}
}

func TestSSHHost(t *testing.T) {
	assert.Equal(t, "git.example.com", sshHost("git@git.example.com:fleet/plans.git"))
	assert.Equal(t, "git.example.com:2222", sshHost("ssh://git@git.example.com:2222/fleet/plans.git"))
	assert.Equal(t, "host", sshHost("ssh://host/plans"))
}
