// Package publish turns the output directory into a fresh single-commit git
// history and force-pushes it to the release branch. Git runs as a
// subprocess; the push authenticates through a transient token URL that is
// never logged.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"cidrforge/internal/support"
)

const (
	// VersionFileName is the timestamp marker committed at the output root.
	VersionFileName = "version"

	versionTimeLayout = "200601021504" // YYYYMMDDHHMM
)

var (
	// ErrNoPushToken indicates that GITHUB_TOKEN has not been configured.
	ErrNoPushToken = errors.New("publish: GITHUB_TOKEN is not configured")

	// ErrNoRepository indicates that GITHUB_REPOSITORY has not been configured.
	ErrNoRepository = errors.New("publish: GITHUB_REPOSITORY is not configured")
)

// Version formats the run timestamp as the published version string.
func Version(now time.Time) string {
	return now.UTC().Format(versionTimeLayout)
}

// RemoteURLFromEnv builds the token-authenticated push URL from the CI
// environment (GITHUB_ACTOR, GITHUB_TOKEN, GITHUB_REPOSITORY).
func RemoteURLFromEnv() (string, error) {
	token := strings.TrimSpace(support.GetEnv("GITHUB_TOKEN", ""))
	if token == "" {
		return "", ErrNoPushToken
	}
	repository := strings.TrimSpace(support.GetEnv("GITHUB_REPOSITORY", ""))
	if repository == "" {
		return "", ErrNoRepository
	}
	actor := strings.TrimSpace(support.GetEnv("GITHUB_ACTOR", ""))
	if actor == "" {
		actor = "x-access-token"
	}
	return fmt.Sprintf("https://%s:%s@github.com/%s.git", actor, token, repository), nil
}

// Publisher publishes one output directory snapshot.
type Publisher struct {
	OutputDir   string
	Branch      string
	RemoteURL   string
	AuthorName  string
	AuthorEmail string
}

// Publish stamps the version file, rebuilds the orphan history from the
// current output directory contents, and force-pushes it. The previous
// branch tip is overwritten; last writer wins.
func (p *Publisher) Publish(ctx context.Context, version string) error {
	if p.RemoteURL == "" {
		return errors.New("publish: remote URL is not configured")
	}
	if p.Branch == "" {
		return errors.New("publish: branch is not configured")
	}

	if err := os.WriteFile(filepath.Join(p.OutputDir, VersionFileName), []byte(version+"\n"), 0o644); err != nil {
		return fmt.Errorf("write version file: %w", err)
	}

	// A stale repository from an earlier run would carry history; the tip
	// must always be a single root commit.
	if err := os.RemoveAll(filepath.Join(p.OutputDir, ".git")); err != nil {
		return fmt.Errorf("remove stale git dir: %w", err)
	}

	steps := []struct {
		verb string
		args []string
	}{
		{"init", []string{"init", "-q"}},
		{"checkout", []string{"checkout", "-q", "--orphan", p.Branch}},
		{"add", []string{"add", "-A"}},
		{"commit", []string{
			"-c", "user.name=" + p.AuthorName,
			"-c", "user.email=" + p.AuthorEmail,
			"commit", "-q", "-m", version,
		}},
		{"push", []string{"push", "-q", "--force", p.RemoteURL, "HEAD:refs/heads/" + p.Branch}},
	}

	for _, step := range steps {
		if err := p.runGit(ctx, step.verb, step.args...); err != nil {
			return err
		}
	}

	log.Info("Release published", "branch", p.Branch, "version", version)
	return nil
}

func (p *Publisher) runGit(ctx context.Context, verb string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.OutputDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := p.redact(strings.TrimSpace(string(output)))
		if detail == "" {
			return fmt.Errorf("git %s: %w", verb, err)
		}
		return fmt.Errorf("git %s: %w: %s", verb, err, detail)
	}
	return nil
}

// redact strips the remote credential from git output before it reaches logs
// or wrapped errors.
func (p *Publisher) redact(s string) string {
	parsed, err := url.Parse(p.RemoteURL)
	if err != nil || parsed.User == nil {
		return s
	}
	if password, ok := parsed.User.Password(); ok && password != "" {
		s = strings.ReplaceAll(s, password, "***")
	}
	return s
}
