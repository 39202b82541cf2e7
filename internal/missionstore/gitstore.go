package missionstore

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tiiuae/missioncontroller/internal/config"
	"github.com/tiiuae/missioncontroller/internal/types"
)

type gitRunner func(ctx context.Context, dir string, env []string, args ...string) ([]byte, error)

func runGit(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// GitStore keeps a clone of the plan repository and pulls it before every
// load. When the pull fails the last checkout is used.
type GitStore struct {
	repo   config.PlanRepo
	plan   string
	limits Limits
	git    gitRunner
	logger *log.Entry

	// syncMu serializes git commands in the checkout
	syncMu sync.Mutex

	mu    sync.Mutex
	files *FileStore
}

const defaultSyncTimeout = time.Minute

// NewGitStore serves plan, a path inside the repository.
func NewGitStore(repo config.PlanRepo, plan string, limits Limits) (*GitStore, error) {
	if repo.URL == "" || repo.Dir == "" {
		return nil, errors.New("plan repository needs url and dir")
	}
	return &GitStore{
		repo:   repo,
		plan:   plan,
		limits: limits,
		git:    runGit,
		logger: log.WithFields(log.Fields{"component": "gitstore", "repo": repo.URL}),
	}, nil
}

// sshHost extracts host[:port] from ssh://user@host:port/path and the
// scp-like user@host:path forms.
func sshHost(url string) string {
	if strings.HasPrefix(url, "ssh://") {
		rest := strings.TrimPrefix(url, "ssh://")
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		if i := strings.LastIndex(rest, "@"); i >= 0 {
			rest = rest[i+1:]
		}
		return rest
	}
	rest := url
	if i := strings.Index(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.Index(rest, ":"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// sshEnv builds GIT_SSH_COMMAND, writing a known_hosts file next to the
// checkout when a host key is configured.
func (g *GitStore) sshEnv() ([]string, error) {
	if g.repo.IdentityFile == "" && g.repo.HostKey == "" {
		return nil, nil
	}
	command := "ssh"
	if g.repo.IdentityFile != "" {
		command += fmt.Sprintf(" -i %s -o \"IdentitiesOnly=yes\"", g.repo.IdentityFile)
	}
	if g.repo.HostKey != "" {
		host := sshHost(g.repo.URL)
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "22")
		}
		line := fmt.Sprintf("%s %s\n", knownhosts.Normalize(host), g.repo.HostKey)
		path := filepath.Clean(g.repo.Dir) + ".known_hosts"
		if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
			return nil, errors.Wrap(err, "write known_hosts")
		}
		command += fmt.Sprintf(" -o \"UserKnownHostsFile=%s\"", path)
	}
	return []string{"GIT_SSH_COMMAND=" + command}, nil
}

// Sync clones the repository on first use and pulls it afterwards. Only
// one sync runs at a time and each is bounded by the sync timeout.
func (g *GitStore) Sync(ctx context.Context) error {
	g.syncMu.Lock()
	defer g.syncMu.Unlock()

	timeout := g.repo.SyncTimeout.Duration
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, err := g.sshEnv()
	if err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(g.repo.Dir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(g.repo.Dir)), 0o755); err != nil {
			return errors.Wrap(err, "create checkout parent")
		}
		out, err := g.git(ctx, "", env, "clone", g.repo.URL, g.repo.Dir)
		if err != nil {
			return errors.WithMessagef(err, "could not clone: %s", out)
		}
		g.logger.Infof("Cloned into %s", g.repo.Dir)
	} else {
		out, err := g.git(ctx, g.repo.Dir, env, "pull", "--rebase")
		if err != nil {
			return errors.WithMessagef(err, "could not pull: %s", out)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.files == nil {
		files, err := NewFileStore(filepath.Join(g.repo.Dir, g.plan), g.limits)
		if err != nil {
			return err
		}
		g.files = files
	}
	g.files.Invalidate()
	return nil
}

func (g *GitStore) Load(ctx context.Context) (*types.MissionPlan, error) {
	if err := g.Sync(ctx); err != nil {
		g.mu.Lock()
		files := g.files
		g.mu.Unlock()
		if files == nil {
			return nil, err
		}
		g.logger.Warnf("Using last checkout: %v", err)
	}

	g.mu.Lock()
	files := g.files
	g.mu.Unlock()
	return files.Load(ctx)
}

func (g *GitStore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.files == nil {
		return nil
	}
	return g.files.Close()
}
