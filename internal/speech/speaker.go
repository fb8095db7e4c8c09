package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/andresmejia3/doorsight/internal/utils"
)

// CommandSpeaker plays text through an external TTS program.
type CommandSpeaker struct {
	Name  string
	Args  []string
	Stdin bool // pass text on stdin instead of as the last argument
}

// Play runs the TTS command and waits for it to exit.
func (c *CommandSpeaker) Play(ctx context.Context, text string) error {
	args := make([]string, 0, len(c.Args)+1)
	placed := false
	for _, a := range c.Args {
		if strings.Contains(a, "{text}") {
			a = strings.ReplaceAll(a, "{text}", text)
			placed = true
		}
		args = append(args, a)
	}
	if !placed && !c.Stdin {
		args = append(args, text)
	}

	cmd := utils.NewSafeCommand(ctx, c.Name, args...)
	if c.Stdin {
		cmd.Cmd.Stdin = strings.NewReader(text)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", c.Name, err, strings.TrimSpace(cmd.Stderr.String()))
	}
	return nil
}

// LogSpeaker prints text instead of speaking it.
type LogSpeaker struct {
	mu  sync.Mutex
	out io.Writer
}

func NewLogSpeaker(out io.Writer) *LogSpeaker {
	return &LogSpeaker{out: out}
}

func (l *LogSpeaker) Play(_ context.Context, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.out, "🔊 %s\n", text)
	return err
}

// Candidates returns the TTS commands to try on goos, in preference order.
func Candidates(goos string) []*CommandSpeaker {
	switch goos {
	case "darwin":
		return []*CommandSpeaker{{Name: "say"}}
	case "windows":
		script := "Add-Type -AssemblyName System.Speech; " +
			"(New-Object System.Speech.Synthesis.SpeechSynthesizer).Speak([Console]::In.ReadToEnd())"
		return []*CommandSpeaker{{Name: "powershell", Args: []string{"-NoProfile", "-Command", script}, Stdin: true}}
	default:
		return []*CommandSpeaker{
			{Name: "espeak"},
			{Name: "espeak-ng"},
			{Name: "festival", Args: []string{"--tts"}, Stdin: true},
		}
	}
}

// ParseCommand builds a speaker from a template such as "espeak -s 140 {text}".
func ParseCommand(template string) (*CommandSpeaker, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty speech command")
	}
	return &CommandSpeaker{Name: fields[0], Args: fields[1:]}, nil
}

// SelectSpeaker picks the first installed TTS program for this platform.
// An explicit command template wins. fallback is used when nothing is installed.
func SelectSpeaker(command string, fallback Speaker) Speaker {
	return selectSpeaker(command, runtime.GOOS, exec.LookPath, fallback)
}

func selectSpeaker(command, goos string, lookPath func(string) (string, error), fallback Speaker) Speaker {
	if command != "" {
		if s, err := ParseCommand(command); err == nil {
			if _, err := lookPath(s.Name); err == nil {
				slog.Info("speech engine selected", "engine", s.Name, "source", "config")
				return s
			}
			slog.Warn("configured speech command not found", "command", s.Name)
		}
	}
	for _, c := range Candidates(goos) {
		if _, err := lookPath(c.Name); err == nil {
			slog.Info("speech engine selected", "engine", c.Name)
			return c
		}
	}
	slog.Warn("no speech engine found, printing speech instead")
	return fallback
}
