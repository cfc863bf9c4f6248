package engine_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-volback/pkg/consent"
	"github.com/paulschiretz/pgl-volback/pkg/docker"
	"github.com/paulschiretz/pgl-volback/pkg/engine"
	"github.com/paulschiretz/pgl-volback/pkg/hook"
	"github.com/paulschiretz/pgl-volback/pkg/lifecycle"
	"github.com/paulschiretz/pgl-volback/pkg/metafile"
	"github.com/paulschiretz/pgl-volback/pkg/planner"
	"github.com/paulschiretz/pgl-volback/pkg/preflight"
	"github.com/paulschiretz/pgl-volback/pkg/remote"
	"github.com/paulschiretz/pgl-volback/pkg/transfer"
	"github.com/paulschiretz/pgl-volback/pkg/volarchive"
	"github.com/paulschiretz/pgl-volback/pkg/volretention"
)

// --- Mocks ---

// scriptRule maps a command substring to a canned response. First match wins.
type scriptRule struct {
	contains string
	stdout   string
	err      error
}

// fakeRunner plays the remote host: it records every command and answers
// from the rule script. Unmatched commands succeed with empty output.
type fakeRunner struct {
	mu       sync.Mutex
	rules    []scriptRule
	commands []string
}

func (f *fakeRunner) Run(ctx context.Context, command string) (string, string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	for _, r := range f.rules {
		if strings.Contains(command, r.contains) {
			if r.err != nil {
				return "", "simulated failure", r.err
			}
			return r.stdout, "", nil
		}
	}
	return "", "", nil
}

func (f *fakeRunner) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func (f *fakeRunner) count(substr string) int {
	n := 0
	for _, c := range f.recorded() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func (f *fakeRunner) firstIndex(substr string) int {
	for i, c := range f.recorded() {
		if strings.Contains(c, substr) {
			return i
		}
	}
	return -1
}

func (f *fakeRunner) lastIndex(substr string) int {
	last := -1
	for i, c := range f.recorded() {
		if strings.Contains(c, substr) {
			last = i
		}
	}
	return last
}

type fakeDownloader struct {
	mu         sync.Mutex
	payload    string
	err        error
	paths      []string
	onDownload func()
}

func (f *fakeDownloader) Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error) {
	f.mu.Lock()
	f.paths = append(f.paths, remotePath)
	f.mu.Unlock()
	if f.onDownload != nil {
		f.onDownload()
	}
	if f.err != nil {
		return 0, f.err
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	n, err := io.WriteString(dst, f.payload)
	return int64(n), err
}

type fakeSession struct {
	runner     remote.Runner
	downloader remote.Downloader
	closed     bool
}

func (s *fakeSession) Runner() remote.Runner         { return s.runner }
func (s *fakeSession) Downloader() remote.Downloader { return s.downloader }
func (s *fakeSession) Close() error                  { s.closed = true; return nil }

type fakeDialer struct {
	session *fakeSession
	err     error
}

func (d *fakeDialer) Dial(cfg remote.SSHConfig) (engine.Session, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

type okValidator struct {
	targetErr error
	remoteErr error
}

func (v *okValidator) ValidateTarget(targetDir string, p *preflight.Plan) error {
	return v.targetErr
}

func (v *okValidator) ValidateRemote(ctx context.Context, runner remote.Runner, client *docker.Client, p *preflight.Plan) error {
	return v.remoteErr
}

type mockHooks struct {
	mu   sync.Mutex
	pre  int
	post int
}

func (m *mockHooks) RunPreBackup(ctx context.Context, p *hook.Plan, timestampUTC time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pre++
	return nil
}

func (m *mockHooks) RunPostBackup(ctx context.Context, p *hook.Plan, timestampUTC time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.post++
	return nil
}

type scriptedPrompter struct {
	answer    bool
	questions []string
}

func (p *scriptedPrompter) Confirm(question string, defaultYes bool) (bool, error) {
	p.questions = append(p.questions, question)
	return p.answer, nil
}

// --- Fixtures ---

// hostRules scripts a host with two volumes. Container "web" is running and
// mounts both; container "db" is stopped and mounts only appdata.
func hostRules() []scriptRule {
	return []scriptRule{
		{contains: "volume ls", stdout: "appdata\nlogs\n"},
		{contains: "--filter volume=appdata", stdout: "web|Up 2 hours\ndb|Exited (0) 3 hours ago\n"},
		{contains: "--filter volume=logs", stdout: "web|Up 2 hours\n"},
		{contains: "{{.Mounts}}", stdout: "web|Up 2 hours|appdata,logs\ndb|Exited (0) 3 hours ago|appdata\n"},
		{contains: "{{end}}' web", stdout: "appdata|/var/lib/docker/volumes/appdata/_data|/var/lib/app\nlogs|/var/lib/docker/volumes/logs/_data|/var/log/app\n"},
		{contains: "{{end}}' db", stdout: "appdata|/var/lib/docker/volumes/appdata/_data|/srv/db\n"},
		{contains: "{{.State.Running}}", stdout: "true\n"},
		{contains: "stat -c", stdout: "4096\n"},
	}
}

func testBackupPlan(targetDir string) *planner.BackupPlan {
	return &planner.BackupPlan{
		TargetDir:         targetDir,
		Host:              "nas.local",
		FallbackMountPath: "/data",
		Workers:           1,
		MemoryBudget:      1 << 20,
		Preflight:         &preflight.Plan{},
		Consent:           &consent.Plan{AutoConfirm: true, NonInteractive: true},
		Lifecycle:         &lifecycle.Plan{StopTimeoutSeconds: 30, RestartEnabled: true},
		Archive:           &volarchive.Plan{HelperImage: "alpine:latest", StagePath: "/tmp/pgl-volback"},
		Transfer:          &transfer.Plan{TargetDir: targetDir, Compression: transfer.FormatNone, BufferSize: 64 * 1024},
		Retention:         &volretention.Plan{TargetDir: targetDir, Keep: 1},
		Hooks:             &hook.Plan{},
	}
}

func newTestRunner(runner *fakeRunner, downloader *fakeDownloader, prompter consent.Prompter) *engine.Runner {
	session := &fakeSession{runner: runner, downloader: downloader}
	return engine.NewRunner(&okValidator{}, &fakeDialer{session: session}, &mockHooks{}, prompter)
}

// --- Tests ---

func TestExecuteBackupStopsSharedContainerOnce(t *testing.T) {
	targetDir := t.TempDir()
	runner := &fakeRunner{rules: hostRules()}
	downloader := &fakeDownloader{payload: "tar-bytes"}
	hooks := &mockHooks{}
	session := &fakeSession{runner: runner, downloader: downloader}
	r := engine.NewRunner(&okValidator{}, &fakeDialer{session: session}, hooks, nil)

	plan := testBackupPlan(targetDir)
	plan.RetentionEnabled = true

	// Two old backups; with Keep=1 the retention pass must remove the oldest
	// and keep the newest, never touching the current run.
	oldestDir := filepath.Join(targetDir, "appdata", "PGL_VolBack_2020-01-01_00-00-00")
	keptOldDir := filepath.Join(targetDir, "appdata", "PGL_VolBack_2020-02-01_00-00-00")
	for _, dir := range []string{oldestDir, keptOldDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	outcome, err := r.ExecuteBackup(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteBackup failed: %v", err)
	}

	if outcome.VolumesAttempted != 2 || outcome.VolumesSucceeded != 2 {
		t.Errorf("expected 2/2 volumes, got %d/%d", outcome.VolumesSucceeded, outcome.VolumesAttempted)
	}
	if outcome.ContainersManaged != 1 {
		t.Errorf("expected 1 managed container, got %d", outcome.ContainersManaged)
	}
	if outcome.ContainersStopped != 1 || outcome.ContainersRestarted != 1 {
		t.Errorf("expected 1 stopped and 1 restarted, got %d and %d", outcome.ContainersStopped, outcome.ContainersRestarted)
	}

	// The shared container is stopped exactly once even though it holds both
	// volumes, and restarted exactly once.
	if got := runner.count("docker stop"); got != 1 {
		t.Errorf("expected exactly 1 stop command, got %d: %v", got, runner.recorded())
	}
	if got := runner.count("docker start"); got != 1 {
		t.Errorf("expected exactly 1 start command, got %d", got)
	}

	// Both volumes borrow the stopped donor's mounts.
	if got := runner.count("--volumes-from web"); got != 2 {
		t.Errorf("expected 2 donor-mode archive commands, got %d", got)
	}
	if got := runner.count("rm -f"); got != 2 {
		t.Errorf("expected 2 staged archive cleanups, got %d", got)
	}

	// All archive work happens inside the stop window.
	stopIdx := runner.firstIndex("docker stop")
	startIdx := runner.firstIndex("docker start")
	firstTar := runner.firstIndex("tar -cf")
	lastTar := runner.lastIndex("tar -cf")
	if !(stopIdx < firstTar && lastTar < startIdx) {
		t.Errorf("archive commands must run between stop (%d) and start (%d), got tar at %d..%d", stopIdx, startIdx, firstTar, lastTar)
	}

	// The downloaded archive lands under <target>/<volume>/<run dir>/.
	dirs, err := filepath.Glob(filepath.Join(targetDir, "logs", "PGL_VolBack_*"))
	if err != nil || len(dirs) != 1 {
		t.Fatalf("expected exactly 1 backup dir for logs, got %v (err %v)", dirs, err)
	}
	data, err := os.ReadFile(filepath.Join(dirs[0], "logs.tar"))
	if err != nil {
		t.Fatalf("missing archive for logs: %v", err)
	}
	if string(data) != "tar-bytes" {
		t.Errorf("unexpected archive content for logs: %q", data)
	}
	meta, err := metafile.Read(dirs[0])
	if err != nil {
		t.Fatalf("missing metafile for logs: %v", err)
	}
	if meta.Volume != "logs" || meta.Host != "nas.local" {
		t.Errorf("unexpected metafile: %+v", meta)
	}

	// Retention: the oldest appdata backup is gone, the newest old one and
	// the current run remain.
	if _, err := os.Stat(oldestDir); !os.IsNotExist(err) {
		t.Errorf("expected oldest backup %s to be pruned", oldestDir)
	}
	if _, err := os.Stat(keptOldDir); err != nil {
		t.Errorf("expected backup %s to survive: %v", keptOldDir, err)
	}
	appdataDirs, _ := filepath.Glob(filepath.Join(targetDir, "appdata", "PGL_VolBack_*"))
	if len(appdataDirs) != 2 {
		t.Errorf("expected current run plus one retained backup for appdata, got %v", appdataDirs)
	}

	if hooks.pre != 1 || hooks.post != 1 {
		t.Errorf("expected pre and post hooks to run once, got %d and %d", hooks.pre, hooks.post)
	}
	if !session.closed {
		t.Error("expected the session to be closed")
	}
}

func TestExecuteBackupNonInteractiveUnmanaged(t *testing.T) {
	targetDir := t.TempDir()
	runner := &fakeRunner{rules: hostRules()}
	downloader := &fakeDownloader{payload: "tar-bytes"}
	r := newTestRunner(runner, downloader, nil)

	plan := testBackupPlan(targetDir)
	plan.Consent = &consent.Plan{NonInteractive: true, AutoConfirm: false}

	outcome, err := r.ExecuteBackup(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteBackup failed: %v", err)
	}

	// Without consent no container is touched.
	if got := runner.count("docker stop"); got != 0 {
		t.Errorf("expected no stop commands, got %d", got)
	}
	if got := runner.count("docker start"); got != 0 {
		t.Errorf("expected no start commands, got %d", got)
	}
	if outcome.ContainersStopped != 0 || outcome.ContainersManaged != 1 {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	// The running donor cannot be borrowed from; both volumes fall back to
	// the direct read-only mount.
	if got := runner.count("--volumes-from"); got != 0 {
		t.Errorf("expected no donor-mode archives, got %d", got)
	}
	if got := runner.count("-v appdata:/pgl-volume:ro"); got != 1 {
		t.Errorf("expected a direct-mount archive for appdata, got %d", got)
	}
	if outcome.VolumesSucceeded != 2 {
		t.Errorf("expected both volumes to succeed, got %d", outcome.VolumesSucceeded)
	}
}

func TestExecuteBackupConsentDeclined(t *testing.T) {
	targetDir := t.TempDir()
	runner := &fakeRunner{rules: hostRules()}
	downloader := &fakeDownloader{payload: "tar-bytes"}
	prompter := &scriptedPrompter{answer: false}
	r := newTestRunner(runner, downloader, prompter)

	plan := testBackupPlan(targetDir)
	plan.Consent = &consent.Plan{}

	outcome, err := r.ExecuteBackup(context.Background(), plan)
	if !errors.Is(err, consent.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(prompter.questions) != 1 {
		t.Fatalf("expected one consent question, got %v", prompter.questions)
	}
	if got := runner.count("docker stop"); got != 0 {
		t.Errorf("declined consent must not stop containers, got %d stops", got)
	}
	if got := runner.count("tar -cf"); got != 0 {
		t.Errorf("declined consent must not archive anything, got %d", got)
	}
	if outcome.VolumesAttempted != 0 {
		t.Errorf("expected no volumes attempted, got %d", outcome.VolumesAttempted)
	}
}

func TestExecuteBackupInterruptionStillRestarts(t *testing.T) {
	targetDir := t.TempDir()
	runner := &fakeRunner{rules: hostRules()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The interrupt arrives mid-transfer, after the container was stopped.
	downloader := &fakeDownloader{payload: "tar-bytes", onDownload: cancel}
	r := newTestRunner(runner, downloader, nil)

	plan := testBackupPlan(targetDir)

	outcome, err := r.ExecuteBackup(ctx, plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The stopped container must come back even though the run was canceled.
	if got := runner.count("docker start"); got != 1 {
		t.Errorf("expected 1 restart after interruption, got %d", got)
	}
	if outcome.ContainersRestarted != 1 {
		t.Errorf("expected 1 restarted container in outcome, got %d", outcome.ContainersRestarted)
	}
}

func TestExecuteBackupStopFailureContinuesAfterConfirm(t *testing.T) {
	targetDir := t.TempDir()
	// Two running containers, one per volume; stopping db fails.
	rules := []scriptRule{
		{contains: "stop -t 30 db", err: errors.New("permission denied")},
		{contains: "volume ls", stdout: "appdata\nlogs\n"},
		{contains: "--filter volume=appdata", stdout: "web|Up 2 hours\n"},
		{contains: "--filter volume=logs", stdout: "db|Up 1 hour\n"},
		{contains: "{{.Mounts}}", stdout: "web|Up 2 hours|appdata\ndb|Up 1 hour|logs\n"},
		{contains: "{{end}}' web", stdout: "appdata|/var/lib/docker/volumes/appdata/_data|/var/lib/app\n"},
		{contains: "{{end}}' db", stdout: "logs|/var/lib/docker/volumes/logs/_data|/var/log/app\n"},
		{contains: "{{.State.Running}}", stdout: "true\n"},
		{contains: "stat -c", stdout: "4096\n"},
	}
	runner := &fakeRunner{rules: rules}
	downloader := &fakeDownloader{payload: "tar-bytes"}
	prompter := &scriptedPrompter{answer: true}
	r := newTestRunner(runner, downloader, prompter)

	plan := testBackupPlan(targetDir)
	plan.Consent = &consent.Plan{}

	outcome, err := r.ExecuteBackup(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteBackup failed: %v", err)
	}

	// Consent first, then the continue-despite-failures confirmation.
	if len(prompter.questions) != 2 {
		t.Fatalf("expected 2 prompts, got %v", prompter.questions)
	}
	if !strings.Contains(prompter.questions[1], "could not be stopped") {
		t.Errorf("second prompt should report the stop failure, got %q", prompter.questions[1])
	}

	if outcome.ContainersStopped != 1 || outcome.StopFailures != 1 {
		t.Errorf("expected 1 stopped and 1 stop failure, got %d and %d", outcome.ContainersStopped, outcome.StopFailures)
	}
	if outcome.VolumesSucceeded != 2 {
		t.Errorf("expected the backup to proceed for both volumes, got %d", outcome.VolumesSucceeded)
	}

	// Only the container this run actually stopped is restarted.
	if got := runner.count("docker start"); got != 1 {
		t.Errorf("expected 1 restart, got %d", got)
	}
	if got := runner.count("start web"); got != 1 {
		t.Errorf("expected web to be restarted, got %d: %v", got, runner.recorded())
	}
	if outcome.ContainersRestarted != 1 || outcome.RestartFailures != 0 {
		t.Errorf("unexpected restart accounting: %+v", outcome)
	}
}

func TestExecuteBackupVolumeFailureContinues(t *testing.T) {
	targetDir := t.TempDir()
	rules := append([]scriptRule{
		{contains: "/pgl-stage/logs_", err: errors.New("tar exploded")},
	}, hostRules()...)
	runner := &fakeRunner{rules: rules}
	downloader := &fakeDownloader{payload: "tar-bytes"}
	r := newTestRunner(runner, downloader, nil)

	plan := testBackupPlan(targetDir)

	outcome, err := r.ExecuteBackup(context.Background(), plan)
	if err == nil || !strings.Contains(err.Error(), "1 of 2 volumes failed") {
		t.Fatalf("expected partial failure error, got %v", err)
	}
	if outcome.VolumesAttempted != 2 || outcome.VolumesSucceeded != 1 {
		t.Errorf("expected 1/2 volumes, got %d/%d", outcome.VolumesSucceeded, outcome.VolumesAttempted)
	}

	// The healthy volume still made it to disk.
	dirs, _ := filepath.Glob(filepath.Join(targetDir, "appdata", "PGL_VolBack_*"))
	if len(dirs) != 1 {
		t.Errorf("expected the appdata backup to exist, got %v", dirs)
	}
	// The restart still happens exactly once.
	if got := runner.count("docker start"); got != 1 {
		t.Errorf("expected 1 restart, got %d", got)
	}
}

func TestExecuteBackupFailFastAborts(t *testing.T) {
	targetDir := t.TempDir()
	rules := append([]scriptRule{
		{contains: "tar -cf", err: errors.New("tar exploded")},
	}, hostRules()...)
	runner := &fakeRunner{rules: rules}
	downloader := &fakeDownloader{payload: "tar-bytes"}
	r := newTestRunner(runner, downloader, nil)

	plan := testBackupPlan(targetDir)
	plan.FailFast = true

	_, err := r.ExecuteBackup(context.Background(), plan)
	if err == nil || !strings.Contains(err.Error(), "backup aborted") {
		t.Fatalf("expected abort error, got %v", err)
	}
	if got := runner.count("docker start"); got != 1 {
		t.Errorf("fail-fast abort must still restart, got %d starts", got)
	}
}

func TestExecuteBackupDryRunTouchesNothing(t *testing.T) {
	targetDir := t.TempDir()
	runner := &fakeRunner{rules: hostRules()}
	downloader := &fakeDownloader{payload: "tar-bytes"}
	r := newTestRunner(runner, downloader, nil)

	plan := testBackupPlan(targetDir)
	plan.DryRun = true
	plan.Consent.DryRun = true
	plan.Lifecycle.DryRun = true
	plan.Archive.DryRun = true
	plan.Transfer.DryRun = true
	plan.Retention.DryRun = true
	plan.RetentionEnabled = true

	outcome, err := r.ExecuteBackup(context.Background(), plan)
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}

	for _, mutating := range []string{"docker stop", "docker start", "docker run", "mkdir -p", "rm -f"} {
		if got := runner.count(mutating); got != 0 {
			t.Errorf("dry run issued %q %d times", mutating, got)
		}
	}
	if len(downloader.paths) != 0 {
		t.Errorf("dry run downloaded %v", downloader.paths)
	}
	dirs, _ := filepath.Glob(filepath.Join(targetDir, "*", "PGL_VolBack_*"))
	if len(dirs) != 0 {
		t.Errorf("dry run created backup dirs: %v", dirs)
	}
	// The simulation still reports what would happen.
	if outcome.VolumesSucceeded != 2 || outcome.ContainersStopped != 1 || outcome.ContainersRestarted != 1 {
		t.Errorf("unexpected dry run outcome: %+v", outcome)
	}
}

func TestExecuteBackupExplicitVolumeList(t *testing.T) {
	targetDir := t.TempDir()
	runner := &fakeRunner{rules: hostRules()}
	downloader := &fakeDownloader{payload: "tar-bytes"}
	r := newTestRunner(runner, downloader, nil)

	plan := testBackupPlan(targetDir)
	plan.Volumes = []string{"logs"}

	outcome, err := r.ExecuteBackup(context.Background(), plan)
	if err != nil {
		t.Fatalf("ExecuteBackup failed: %v", err)
	}
	if outcome.VolumesAttempted != 1 {
		t.Fatalf("expected 1 volume attempted, got %d", outcome.VolumesAttempted)
	}
	if got := runner.count("/pgl-volback/appdata_"); got != 0 {
		t.Errorf("appdata was not requested but was archived %d times", got)
	}
	if got := runner.count("--filter volume=appdata"); got != 0 {
		t.Errorf("appdata was not requested but was analyzed %d times", got)
	}
}

func TestExecuteBackupDialFailure(t *testing.T) {
	targetDir := t.TempDir()
	r := engine.NewRunner(&okValidator{}, &fakeDialer{err: errors.New("connection refused")}, &mockHooks{}, nil)

	_, err := r.ExecuteBackup(context.Background(), testBackupPlan(targetDir))
	if err == nil || !strings.Contains(err.Error(), "failed to connect") {
		t.Fatalf("expected connect error, got %v", err)
	}
}

func TestExecutePrune(t *testing.T) {
	targetDir := t.TempDir()
	for _, name := range []string{
		"appdata/PGL_VolBack_2024-01-01_00-00-00",
		"appdata/PGL_VolBack_2024-02-01_00-00-00",
		"appdata/PGL_VolBack_2024-03-01_00-00-00",
	} {
		if err := os.MkdirAll(filepath.Join(targetDir, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	r := engine.NewRunner(&okValidator{}, &fakeDialer{}, &mockHooks{}, nil)
	plan := &planner.PrunePlan{
		TargetDir: targetDir,
		Preflight: &preflight.Plan{},
		Retention: &volretention.Plan{TargetDir: targetDir, Keep: 1},
	}

	if err := r.ExecutePrune(context.Background(), plan); err != nil {
		t.Fatalf("ExecutePrune failed: %v", err)
	}

	dirs, err := filepath.Glob(filepath.Join(targetDir, "appdata", "PGL_VolBack_*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 1 || !strings.HasSuffix(dirs[0], "2024-03-01_00-00-00") {
		t.Errorf("expected only the newest backup to survive, got %v", dirs)
	}
}

func TestExecuteBackupPreflightFailure(t *testing.T) {
	targetDir := t.TempDir()
	r := engine.NewRunner(&okValidator{targetErr: errors.New("target on ghost mount")}, &fakeDialer{}, &mockHooks{}, nil)

	_, err := r.ExecuteBackup(context.Background(), testBackupPlan(targetDir))
	if err == nil || !strings.Contains(err.Error(), "preflight failed") {
		t.Fatalf("expected preflight error, got %v", err)
	}
}
