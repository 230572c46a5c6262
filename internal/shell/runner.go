package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	executableSu  = "su"
	executableADB = "adb"

	exitStatusMarker = "__zertman_status="
)

// ErrCommandFailed reports a privileged command that exited unsuccessfully.
var ErrCommandFailed = errors.New("privileged command failed")

// Runner executes shell command lines with elevated privileges and returns the captured stdout lines.
type Runner interface {
	Run(ctx context.Context, command string) ([]string, error)
}

// SuRunner executes commands through the local su binary.
type SuRunner struct{}

// NewSuRunner constructs a SuRunner.
func NewSuRunner() SuRunner {
	return SuRunner{}
}

// Run executes the command line as root.
func (suRunner SuRunner) Run(ctx context.Context, command string) ([]string, error) {
	return runExecutable(ctx, command, executableSu, []string{"-c", command})
}

// ADBRunner executes commands on an attached device through adb and su.
type ADBRunner struct {
	serial string
}

// NewADBRunner constructs an ADBRunner. An empty serial targets the only attached device.
func NewADBRunner(serial string) ADBRunner {
	return ADBRunner{serial: strings.TrimSpace(serial)}
}

// Run executes the command line as root on the device. adb shell forwards the
// remote exit status only with shell protocol v2 (Android 7+), so the status is
// echoed after the command and read back from stdout.
func (adbRunner ADBRunner) Run(ctx context.Context, command string) ([]string, error) {
	arguments := []string{}
	if adbRunner.serial != "" {
		arguments = append(arguments, "-s", adbRunner.serial)
	}
	arguments = append(arguments, "shell", adbShellCommand(command))
	lines, err := runExecutable(ctx, command, executableADB, arguments)
	if err != nil {
		return lines, err
	}
	return parseExitStatus(command, lines)
}

func adbShellCommand(command string) string {
	return fmt.Sprintf("su -c %s; echo %s$?", Quote(command), exitStatusMarker)
}

// parseExitStatus strips the echoed status marker from lines and fails unless it reports 0.
func parseExitStatus(command string, lines []string) ([]string, error) {
	for index := len(lines) - 1; index >= 0; index-- {
		markerIndex := strings.LastIndex(lines[index], exitStatusMarker)
		if markerIndex < 0 {
			continue
		}
		status := strings.TrimSpace(lines[index][markerIndex+len(exitStatusMarker):])
		output := append([]string{}, lines[:index]...)
		if prefix := lines[index][:markerIndex]; prefix != "" {
			output = append(output, prefix)
		}
		output = append(output, lines[index+1:]...)
		if status != "0" {
			return output, fmt.Errorf("%w: %s: exit status %s", ErrCommandFailed, command, status)
		}
		return output, nil
	}
	return lines, fmt.Errorf("%w: %s: exit status not reported", ErrCommandFailed, command)
}

func runExecutable(ctx context.Context, command string, executable string, arguments []string) ([]string, error) {
	process := exec.CommandContext(ctx, executable, arguments...)
	var stdoutBuffer bytes.Buffer
	var stderrBuffer bytes.Buffer
	process.Stdout = &stdoutBuffer
	process.Stderr = &stderrBuffer
	err := process.Run()
	lines := SplitLines(stdoutBuffer.String())
	if err != nil {
		return lines, fmt.Errorf("%w: %s: %v: %s", ErrCommandFailed, command, err, strings.TrimSpace(stderrBuffer.String()))
	}
	return lines, nil
}

// SplitLines splits command output into lines without trailing carriage returns or a final empty line.
func SplitLines(output string) []string {
	trimmed := strings.TrimRight(output, "\r\n")
	if trimmed == "" {
		return []string{}
	}
	rawLines := strings.Split(trimmed, "\n")
	lines := make([]string, 0, len(rawLines))
	for _, rawLine := range rawLines {
		lines = append(lines, strings.TrimRight(rawLine, "\r"))
	}
	return lines
}

// Quote wraps an argument in single quotes so the shell passes it through verbatim.
func Quote(argument string) string {
	return "'" + strings.ReplaceAll(argument, "'", `'\''`) + "'"
}
