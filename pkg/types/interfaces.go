package types

import (
	"context"
	"io"
	"os/exec"

	"github.com/mudler/yip/pkg/console"
	"github.com/mudler/yip/pkg/executor"
	"github.com/mudler/yip/pkg/plugins"
	"github.com/mudler/yip/pkg/schema"
	"github.com/sirupsen/logrus"
	"github.com/twpayne/go-vfs/v4"
)

// Logger is the structured logging surface every subsystem receives through
// Config. It wraps a *logrus.Logger the same way the agent this module is
// descended from does, so call sites use the familiar Infof/Debugf/WithField
// idiom instead of the stdlib log package.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	SetLevel(level logrus.Level)
	GetLevel() logrus.Level
	SetOutput(w io.Writer)
	SetFormatter(f logrus.Formatter)
}

type logrusLogger struct {
	*logrus.Entry
}

// NewLogger builds the default logrus-backed Logger, writing to stderr with
// an Info level, matching the teacher's NewLogger default.
func NewLogger() Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{Entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{Entry: l.Entry.WithField(key, value)}
}

func (l *logrusLogger) SetLevel(level logrus.Level) {
	l.Entry.Logger.SetLevel(level)
}

func (l *logrusLogger) GetLevel() logrus.Level {
	return l.Entry.Logger.GetLevel()
}

func (l *logrusLogger) SetOutput(w io.Writer) {
	l.Entry.Logger.SetOutput(w)
}

func (l *logrusLogger) SetFormatter(f logrus.Formatter) {
	l.Entry.Logger.SetFormatter(f)
}

// Runner abstracts os/exec so every subsystem that shells out (mdadm,
// cryptsetup, veritysetup, mkfs, efibootmgr) can be exercised
// against a fake in tests, exactly as the teacher's Runner interface does.
type Runner interface {
	Run(command string, args ...string) ([]byte, error)
	RunContext(ctx context.Context, command string, args ...string) ([]byte, error)
	InitCmd(command string, args ...string) *exec.Cmd
	RunCmd(cmd *exec.Cmd) ([]byte, error)
}

// RealRunner is the production Runner, shelling out via os/exec.
type RealRunner struct{}

func (r RealRunner) InitCmd(command string, args ...string) *exec.Cmd {
	return exec.Command(command, args...)
}

func (r RealRunner) Run(command string, args ...string) ([]byte, error) {
	return r.RunCmd(r.InitCmd(command, args...))
}

func (r RealRunner) RunContext(ctx context.Context, command string, args ...string) ([]byte, error) {
	return r.RunCmd(exec.CommandContext(ctx, command, args...))
}

func (r RealRunner) RunCmd(cmd *exec.Cmd) ([]byte, error) {
	return cmd.CombinedOutput()
}

// CloudInitRunner executes a named yip stage (cloud-init-style scripts and
// directives). The servicing phase driver (C3) uses this as its
// "out-of-process user scripts" collaborator for the pre_servicing and
// configure phases; the configure stage is run without the host
// configuration's OS settings block.
type CloudInitRunner interface {
	Run(stage string, args ...string) error
}

// YipCloudInitRunner is the production CloudInitRunner, running the full
// yip plugin set against the real OS filesystem.
type YipCloudInitRunner struct {
	exec    executor.Executor
	fs      vfs.FS
	console plugins.Console
}

// NewYipCloudInitRunner builds a yip executor with the plugin set
// registered below. The host configuration's OS-level settings block is
// not passed to it.
func NewYipCloudInitRunner(l Logger) *YipCloudInitRunner {
	e := executor.NewExecutor(
		executor.WithConditionals(
			plugins.NodeConditional,
			plugins.IfConditional,
		),
		executor.WithLogger(l),
		executor.WithPlugins(
			plugins.DNS,
			plugins.Download,
			plugins.Git,
			plugins.Entities,
			plugins.EnsureDirectories,
			plugins.EnsureFiles,
			plugins.Commands,
			plugins.DeleteEntities,
			plugins.Hostname,
			plugins.Sysctl,
			plugins.SSH,
			plugins.User,
			plugins.LoadModules,
			plugins.Timesyncd,
			plugins.Systemctl,
			plugins.Environment,
			plugins.SystemdFirstboot,
			plugins.DataSources,
			plugins.Layout,
		),
	)
	return &YipCloudInitRunner{
		exec:    e,
		fs:      vfs.OSFS,
		console: console.NewStandardConsole(console.WithLogger(l)),
	}
}

func (ci *YipCloudInitRunner) Run(stage string, args ...string) error {
	return ci.exec.Run(stage, ci.fs, ci.console, args...)
}

func (ci *YipCloudInitRunner) SetModifier(m schema.Modifier) {
	ci.exec.Modifier(m)
}
