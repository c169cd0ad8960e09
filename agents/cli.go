package agents

import (
	"context"
	"errors"
	"sync"

	pkg "github.com/bt-bridge/voice-agent"
	"github.com/bt-bridge/voice-agent/shared"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// CLIAgent runs one voice conversation and streams it to a Printer.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	profile *Profile
	session *pkg.Session

	mu        sync.Mutex
	speaking  bool
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg pkg.SessionConfig,
	profile *Profile,
	printer *shared.Printer,
	opts ...pkg.Option,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if profile == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if err := profile.Validate(); err != nil {
		return err
	}
	a.logger = logger.With(zap.String("agent", profile.Name))
	a.printer = printer
	a.profile = profile
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning "+profile.Name+"...\n", 0)

	cfg = profile.Apply(cfg).WithDefaults()
	a.println("📋 Session Config\n", 0)
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		a.logger.Error("marshaling session config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing session config", err)
	}

	options := append([]pkg.Option{
		pkg.WithLogger(a.logger),
		pkg.WithTranscriptHandler(a.onTranscript),
		pkg.WithResponseHandler(a.onResponse),
		pkg.WithErrorHandler(a.onError),
		pkg.WithStopHandler(a.finish),
	}, opts...)
	a.session = pkg.OpenSession(cfg, options...)

	a.println("\n\n🎤 Accessing microphone...", 0)
	if err := a.session.StartListening(ctx); err != nil {
		a.logger.Error("starting session", err)
		a.println("❌ "+describe(err)+"\n", 0)
		a.setErr(err)
		a.finish()
		return err
	}
	a.println("✅ Listening. Press Ctrl+C to stop.\n", 0)
	return nil
}

func describe(err error) string {
	switch shared.Category(err) {
	case "configuration":
		return "The voice service is not configured: " + err.Error()
	case "device":
		return "Unable to access audio devices. Please ensure that your microphone is connected and that you have granted permission to access it."
	case "transport":
		return "The connection to the voice service failed: " + err.Error()
	default:
		return err.Error()
	}
}

func (a *CLIAgent) onTranscript(text string, final bool) {
	if !final {
		return
	}
	a.endSpeech()
	a.println("📝 "+text, 1)
}

func (a *CLIAgent) onResponse(text string, final bool) {
	a.mu.Lock()
	speaking := a.speaking
	a.speaking = !final
	a.mu.Unlock()
	switch {
	case final:
		if speaking {
			a.append("\n")
		}
	case !speaking:
		a.write("💬 "+a.profile.Name+": "+text, 1)
	default:
		a.append(text)
	}
}

func (a *CLIAgent) endSpeech() {
	a.mu.Lock()
	speaking := a.speaking
	a.speaking = false
	a.mu.Unlock()
	if speaking {
		a.append("\n")
	}
}

func (a *CLIAgent) onError(err error) {
	a.setErr(err)
	a.endSpeech()
	a.println("❌ "+describe(err), 0)
}

func (a *CLIAgent) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

func (a *CLIAgent) finish() {
	if a.done == nil {
		return
	}
	a.closeOnce.Do(func() {
		a.logger.Info("conversation ended")
		close(a.done)
	})
}

// Done is closed when the conversation ends for any reason.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Err is the error that ended the conversation, if any.
func (a *CLIAgent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *CLIAgent) Session() *pkg.Session {
	return a.session
}

func (a *CLIAgent) Close() error {
	if a.session != nil {
		a.session.StopListening()
	}
	a.endSpeech()
	a.finish()
	return nil
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) write(s string, ind int) {
	if err := a.printer.Write(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) append(s string) {
	if err := a.printer.Append(s); err != nil {
		a.logger.Error("printing", err)
	}
}
